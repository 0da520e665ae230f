package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// ErrOverBudget is returned by summarization that does not shrink the
// context enough.
var ErrOverBudget = errors.New("summary does not fit the context budget")

// Summarizer folds turns into a summary that carries the previous one
// forward.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []store.Turn) (string, error)
}

// CompactorConfig tunes compaction.
type CompactorConfig struct {
	// MaxTokens is the model's context window as budgeted by the gateway.
	MaxTokens int `yaml:"max_tokens" envconfig:"CONTEXT_MAX_TOKENS"`

	// Threshold is the fraction of MaxTokens the working context may use.
	Threshold float64 `yaml:"threshold"`

	// ProtectTurns is how many recent turns stay verbatim.
	ProtectTurns int `yaml:"protect_turns"`

	// SummaryTimeout bounds the summarization call.
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
}

// DefaultCompactorConfig returns a 70% budget of 100k tokens.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		MaxTokens:      100_000,
		Threshold:      0.7,
		ProtectTurns:   10,
		SummaryTimeout: 60 * time.Second,
	}
}

// Result describes what a compaction pass did.
type Result struct {
	Compacted   bool
	Degraded    bool
	Summary     string
	TurnsFolded int
	Before      int
	After       int
}

func (r Result) String() string {
	switch {
	case !r.Compacted:
		return fmt.Sprintf("unchanged (%d tokens)", r.Before)
	case r.Degraded:
		return fmt.Sprintf("degraded: dropped %d turns, %d -> %d tokens", r.TurnsFolded, r.Before, r.After)
	default:
		return fmt.Sprintf("compacted %d turns, %d -> %d tokens", r.TurnsFolded, r.Before, r.After)
	}
}

// Compactor keeps working contexts within budget. Concurrent calls for the
// same session share a single pass.
type Compactor struct {
	cs     *ContextStore
	sum    Summarizer
	cfg    CompactorConfig
	group  singleflight.Group
	logger *slog.Logger
}

// NewCompactor creates a compactor. Zero config fields take defaults.
func NewCompactor(cs *ContextStore, sum Summarizer, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCompactorConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ProtectTurns <= 0 {
		cfg.ProtectTurns = def.ProtectTurns
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	return &Compactor{cs: cs, sum: sum, cfg: cfg, logger: logger.With("component", "compactor")}
}

// Budget is the token ceiling of a working context.
func (c *Compactor) Budget() int {
	return int(float64(c.cfg.MaxTokens) * c.cfg.Threshold)
}

// MaybeCompact compacts the session's working context if it is over
// budget. A context already within budget is left untouched.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) (Result, error) {
	v, err, shared := c.group.Do(sessionID, func() (any, error) {
		return c.compact(ctx, sessionID)
	})
	if shared {
		c.logger.Debug("joined in-flight compaction", "session", sessionID)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Compactor) compact(ctx context.Context, sessionID string) (Result, error) {
	wc, err := c.cs.WorkingContext(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	budget := c.Budget()
	before := wc.Tokens()
	if before <= budget {
		return Result{Before: before, After: before}, nil
	}

	split := c.protectedStart(wc.Turns, budget)
	foldable, kept := wc.Turns[:split], wc.Turns[split:]

	if len(foldable) > 0 && c.sum != nil {
		summary, err := c.summarize(ctx, wc.Summary, foldable, kept, budget)
		if err == nil {
			tokens := EstimateTokens(summary)
			if err := c.cs.st.SetWorkingContext(ctx, sessionID, summary, tokens, kept[0].Seq, false); err != nil {
				return Result{}, err
			}
			res := Result{
				Compacted:   true,
				Summary:     summary,
				TurnsFolded: len(foldable),
				Before:      before,
				After:       tokens + sumTokens(kept),
			}
			c.logger.Info("working context compacted", "session", sessionID, "result", res.String())
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.logger.Warn("summarization failed, truncating context", "session", sessionID, "error", err)
	}
	return c.degrade(ctx, wc, budget, before)
}

// protectedStart returns the index of the first turn kept verbatim. The
// protected suffix covers ProtectTurns turns, shrinks until it fits three
// quarters of the budget, and never begins with a tool result whose call
// would be folded away.
func (c *Compactor) protectedStart(turns []store.Turn, budget int) int {
	start := len(turns) - c.cfg.ProtectTurns
	if start < 0 {
		start = 0
	}
	limit := budget * 3 / 4
	for start < len(turns)-1 && sumTokens(turns[start:]) > limit {
		start++
	}
	for start > 0 && start < len(turns) && turns[start].Role == store.RoleTool {
		start--
	}
	return start
}

func (c *Compactor) summarize(ctx context.Context, previous string, foldable, kept []store.Turn, budget int) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SummaryTimeout)
	defer cancel()

	summary, err := c.sum.Summarize(sctx, previous, foldable)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	if EstimateTokens(summary)+sumTokens(kept) > budget {
		return "", ErrOverBudget
	}
	return summary, nil
}

// degrade drops the oldest turns until the context fits. The previous
// summary is kept while it fits and a marker of what was dropped is added
// when there is room for it.
func (c *Compactor) degrade(ctx context.Context, wc *WorkingContext, budget, before int) (Result, error) {
	turns := wc.Turns
	summary := wc.Summary
	fits := func() bool { return summaryTokens(summary)+sumTokens(turns) <= budget }

	dropped := 0
	counts := make(map[store.Role]int)
	drop := func() {
		counts[turns[0].Role]++
		turns = turns[1:]
		dropped++
	}
	for !fits() && len(turns) > 1 {
		drop()
	}
	if !fits() {
		summary = ""
	}
	for len(turns) > 1 && turns[0].Role == store.RoleTool {
		drop()
	}

	if dropped > 0 {
		marker := fmt.Sprintf("[%d earlier turns were dropped without summary: %d user, %d assistant, %d tool]",
			dropped, counts[store.RoleUser], counts[store.RoleAssistant], counts[store.RoleTool])
		candidate := marker
		if summary != "" {
			candidate = summary + "\n" + marker
		}
		if EstimateTokens(candidate)+sumTokens(turns) <= budget {
			summary = candidate
		}
	}
	if !fits() {
		c.logger.Error("single turn exceeds context budget", "session", wc.SessionID, "budget", budget)
	}

	start := wc.Start
	if len(turns) > 0 {
		start = turns[0].Seq
	}
	tokens := summaryTokens(summary)
	if err := c.cs.st.SetWorkingContext(ctx, wc.SessionID, summary, tokens, start, true); err != nil {
		return Result{}, err
	}
	res := Result{
		Compacted:   true,
		Degraded:    true,
		Summary:     summary,
		TurnsFolded: dropped,
		Before:      before,
		After:       tokens + sumTokens(turns),
	}
	c.logger.Warn("working context compaction degraded", "session", wc.SessionID, "result", res.String())
	return res, nil
}

func summaryTokens(s string) int {
	if s == "" {
		return 0
	}
	return EstimateTokens(s)
}

func sumTokens(turns []store.Turn) int {
	total := 0
	for i := range turns {
		total += turns[i].TokenEstimate
	}
	return total
}
