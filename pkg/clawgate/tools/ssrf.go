package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned when web_fetch targets a forbidden address.
var ErrBlockedURL = errors.New("url not allowed")

// alwaysBlocked hosts cannot be unlocked through configuration.
var alwaysBlocked = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
}

// SSRFConfig restricts outbound fetches.
type SSRFConfig struct {
	// AllowPrivate permits RFC 1918 and unique-local targets.
	AllowPrivate bool `yaml:"allow_private"`

	// AllowedHosts, when non-empty, is the only set of hosts reachable.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// BlockedHosts are refused even when AllowPrivate is set.
	BlockedHosts []string `yaml:"blocked_hosts"`
}

// URLGuard vets URLs before a tool fetches them. Hostnames are resolved
// and every resulting address is checked, so a public name pointing at an
// internal address is refused.
type URLGuard struct {
	cfg     SSRFConfig
	resolve func(ctx context.Context, host string) ([]string, error)
	logger  *slog.Logger
}

// NewURLGuard creates a guard using the default resolver.
func NewURLGuard(cfg SSRFConfig, logger *slog.Logger) *URLGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &URLGuard{
		cfg:     cfg,
		resolve: net.DefaultResolver.LookupHost,
		logger:  logger.With("component", "url_guard"),
	}
}

// Check returns nil when rawURL may be fetched.
func (g *URLGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedURL)
	}
	if containsFold(alwaysBlocked, host) || containsFold(g.cfg.BlockedHosts, host) {
		g.logger.Warn("fetch blocked", "url", rawURL, "reason", "blocked host")
		return fmt.Errorf("%w: host %s is blocked", ErrBlockedURL, host)
	}
	if len(g.cfg.AllowedHosts) > 0 && !containsFold(g.cfg.AllowedHosts, host) {
		g.logger.Warn("fetch blocked", "url", rawURL, "reason", "not in allowed hosts")
		return fmt.Errorf("%w: host %s is not in the allowed list", ErrBlockedURL, host)
	}
	if looksLikeLegacyIPv4(host) {
		return fmt.Errorf("%w: non-canonical IPv4 literal %s", ErrBlockedURL, host)
	}

	var addrs []string
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []string{ip.String()}
	} else {
		addrs, err = g.resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("%w: resolving %s: %v", ErrBlockedURL, host, err)
		}
	}
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("%w: unparseable address %q for %s", ErrBlockedURL, a, host)
		}
		if reason := g.forbidden(ip); reason != "" {
			g.logger.Warn("fetch blocked", "url", rawURL, "ip", ip.String(), "reason", reason)
			return fmt.Errorf("%w: %s address %s", ErrBlockedURL, reason, ip)
		}
	}
	return nil
}

// forbidden names the class of a refused address, or "" if it is fine.
func (g *URLGuard) forbidden(ip netip.Addr) string {
	ip = ip.Unmap()
	if embedded, ok := embeddedIPv4(ip); ok {
		if r := g.forbidden(embedded); r != "" {
			return "tunneled " + r
		}
	}
	switch {
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsPrivate() && !g.cfg.AllowPrivate:
		return "private"
	}
	return ""
}

// embeddedIPv4 extracts the IPv4 address carried by NAT64 and 6to4
// addresses.
func embeddedIPv4(ip netip.Addr) (netip.Addr, bool) {
	if !ip.Is6() {
		return netip.Addr{}, false
	}
	b := ip.As16()
	nat64 := netip.MustParsePrefix("64:ff9b::/96")
	switch {
	case nat64.Contains(ip):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case b[0] == 0x20 && b[1] == 0x02:
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	}
	return netip.Addr{}, false
}

// looksLikeLegacyIPv4 flags hex, octal, short and packed integer forms
// that some resolvers expand to loopback.
func looksLikeLegacyIPv4(host string) bool {
	if strings.HasPrefix(host, "0x") || strings.Contains(host, ".0x") {
		return true
	}
	for _, c := range host {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return true
	}
	for _, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
