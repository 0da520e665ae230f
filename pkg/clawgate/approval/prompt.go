package approval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// maxArgDisplay caps each argument value shown in a prompt.
const maxArgDisplay = 200

// FormatPrompt renders the confirmation message shown to the user.
func FormatPrompt(a *store.Approval, now time.Time) string {
	var b strings.Builder
	b.WriteString("Approval required\n\n")
	fmt.Fprintf(&b, "Tool: %s\n", a.ToolName)
	fmt.Fprintf(&b, "Risk: %s\n", a.Risk)
	if args := formatArguments(a.Arguments); args != "" {
		b.WriteString("Arguments:\n")
		b.WriteString(args)
	}
	fmt.Fprintf(&b, "\nReply /approve %s to execute\n", a.ID)
	fmt.Fprintf(&b, "Reply /deny %s to cancel\n", a.ID)
	fmt.Fprintf(&b, "Expires in %s", humanDuration(a.ExpiresAt.Sub(now)))
	return b.String()
}

// formatArguments lists a JSON object's keys in order, one per line. Raw
// text that is not an object is shown as is.
func formatArguments(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "  " + clip(raw) + "\n"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, ok := args[k].(string)
		if !ok {
			enc, _ := json.Marshal(args[k])
			v = string(enc)
		}
		fmt.Fprintf(&b, "  %s: %s\n", k, clip(v))
	}
	return b.String()
}

func clip(s string) string {
	if len(s) <= maxArgDisplay {
		return s
	}
	return s[:maxArgDisplay] + "..."
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	d = d.Round(time.Second)
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
