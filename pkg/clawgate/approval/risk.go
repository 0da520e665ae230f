// Package approval classifies tool calls by risk and holds dangerous ones
// until the user confirms them or the request times out.
package approval

import (
	"fmt"
	"strings"
)

// Risk is the potential harm of a tool.
type Risk int

const (
	Safe Risk = iota
	Moderate
	Dangerous
)

func (r Risk) String() string {
	switch r {
	case Safe:
		return "safe"
	case Moderate:
		return "moderate"
	case Dangerous:
		return "dangerous"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// ParseRisk parses "safe", "moderate" or "dangerous".
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return Safe, nil
	case "moderate":
		return Moderate, nil
	case "dangerous":
		return Dangerous, nil
	}
	return Moderate, fmt.Errorf("unknown risk level %q", s)
}

// defaultRisk is the stock classification. Tools missing from it are
// Moderate.
var defaultRisk = map[string]Risk{
	"web_search":     Safe,
	"web_fetch":      Safe,
	"browse_webpage": Safe,
	"list_files":     Safe,
	"search_files":   Safe,
	"system_info":    Safe,
	"current_time":   Safe,
	"list_reminders": Safe,

	"read_file":       Moderate,
	"execute_code":    Moderate,
	"set_reminder":    Moderate,
	"add_cron_task":   Moderate,
	"cancel_reminder": Moderate,

	"shell_exec":  Dangerous,
	"run_command": Dangerous,
	"write_file":  Dangerous,
	"delete_file": Dangerous,
	"send_email":  Dangerous,
	"write_skill": Dangerous,
}

// Classifier maps tool names to risk levels. It is fixed after
// construction; classification never looks at arguments.
type Classifier struct {
	table map[string]Risk
}

// NewClassifier builds the stock table with overrides applied. Override
// values are risk names.
func NewClassifier(overrides map[string]string) (*Classifier, error) {
	table := make(map[string]Risk, len(defaultRisk)+len(overrides))
	for name, r := range defaultRisk {
		table[name] = r
	}
	for name, level := range overrides {
		r, err := ParseRisk(level)
		if err != nil {
			return nil, fmt.Errorf("risk override for %s: %w", name, err)
		}
		table[name] = r
	}
	return &Classifier{table: table}, nil
}

// Classify returns the risk of a tool.
func (c *Classifier) Classify(toolName string) Risk {
	if r, ok := c.table[toolName]; ok {
		return r
	}
	return Moderate
}
