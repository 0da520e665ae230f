package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Message("telegram", "replied")
	m.GateDecision("allow")
	m.Throttled()
	m.Compaction(true)
	m.ContextSize(10)
	m.Approval("requested")
	m.SetPendingApprovals(1)
	m.ToolCall("shell_exec", time.Second, nil)
	m.ModelRequest("gpt", time.Second, 1, 1, nil)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.GateDecision("allow")
	m.GateDecision("allow")
	m.GateDecision("denied")
	m.Throttled()
	m.Compaction(false)
	m.Compaction(true)
	m.Compaction(true)
	m.ToolCall("read_file", 10*time.Millisecond, errors.New("boom"))
	m.ModelRequest("gpt-4o-mini", time.Second, 100, 20, nil)
	m.SetPendingApprovals(3)

	if got := testutil.ToFloat64(m.gateDecisions.WithLabelValues("allow")); got != 2 {
		t.Errorf("allow = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.throttledTotal); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.compactionsTotal.WithLabelValues("degraded")); got != 2 {
		t.Errorf("degraded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("read_file", "error")); got != 1 {
		t.Errorf("tool errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.modelTokensTotal.WithLabelValues("gpt-4o-mini", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.approvalsPending); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.Throttled()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "clawgate_throttled_total 1") {
		t.Errorf("exposition missing throttle counter:\n%s", body)
	}
}
