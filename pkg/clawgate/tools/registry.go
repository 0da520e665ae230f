// Package tools manages the registry of callable tools and dispatches tool
// calls requested by the model to their handlers, each under a timeout.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownTool is returned for a name nothing registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when the arguments are not a JSON object.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrTimeout is returned when a tool exceeds its time budget.
	ErrTimeout = errors.New("tool timed out")
)

// validName matches names accepted by chat completion APIs.
var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Config configures tool execution.
type Config struct {
	// Timeout is the default per-call time budget.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutput truncates tool results to this many bytes.
	MaxOutput int `yaml:"max_output"`

	// Workspace is the directory file tools are confined to.
	Workspace string `yaml:"workspace"`

	// ShellEnabled registers shell_exec.
	ShellEnabled bool `yaml:"shell_enabled"`

	// SSRF restricts web_fetch targets.
	SSRF SSRFConfig `yaml:"ssrf"`
}

// DefaultConfig returns a 60s budget, 16KB of output and ./workspace.
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		MaxOutput:    16 * 1024,
		Workspace:    "./workspace",
		ShellEnabled: true,
	}
}

// Handler runs a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Descriptor is what the model sees of a tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type tool struct {
	desc    Descriptor
	handler Handler
}

// Registry holds the tools available to the model. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*tool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = def.MaxOutput
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With("component", "tools"),
		tools:  make(map[string]*tool),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if !validName.MatchString(desc.Name) {
		return fmt.Errorf("invalid tool name %q", desc.Name)
	}
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[desc.Name]; dup {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}
	r.tools[desc.Name] = &tool{desc: desc, handler: h}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.desc, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Definitions returns all descriptors sorted by name.
func (r *Registry) Definitions() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseArguments decodes the model's raw argument string. An empty string
// is an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Execute runs a tool. A zero timeout uses the configured default. The
// call returns when the handler finishes or the budget is spent, whichever
// comes first.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string, timeout time.Duration) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args, err := ParseArguments(rawArgs)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		out, err := t.handler(ctx, args)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		r.logger.Debug("tool executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", res.err)
		return truncateOutput(res.out, r.cfg.MaxOutput), res.err
	case <-ctx.Done():
		r.logger.Warn("tool timed out", "tool", name, "timeout", timeout)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return "", ctx.Err()
	}
}

func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... [truncated, %d bytes omitted]", len(s)-max)
}

// argString returns a string argument or "".
func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// MakeDescriptor builds a Descriptor from a JSON schema expressed as a map.
func MakeDescriptor(name, description string, params map[string]any) Descriptor {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, _ := json.Marshal(params)
	return Descriptor{Name: name, Description: description, Parameters: schema}
}
