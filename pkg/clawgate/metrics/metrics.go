// Package metrics exposes Prometheus collectors for the assistant's
// trust and session pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawgate"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal    *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	throttledTotal   prometheus.Counter
	compactionsTotal *prometheus.CounterVec
	contextTokens    prometheus.Histogram
	approvalsTotal   *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	modelRequests    *prometheus.CounterVec
	modelDuration    *prometheus.HistogramVec
	modelTokensTotal *prometheus.CounterVec
}

// New builds the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Identity gate verdicts.",
		}, []string{"verdict"}),
		throttledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Messages rejected by the per-user rate limit.",
		}),
		compactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Context compactions by mode (summarized, degraded).",
		}, []string{"mode"}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Estimated working context size sent to the model.",
			Buckets:   prometheus.ExponentialBuckets(500, 2, 10),
		}),
		approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval lifecycle events (requested, approved, denied, expired).",
		}, []string{"event"}),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approvals currently awaiting a decision.",
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and status.",
		}, []string{"tool", "status"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Model completions by model and status.",
		}, []string{"model", "status"}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Duration of model completions in seconds.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		modelTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens reported by the model by direction.",
		}, []string{"model", "type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesTotal, m.gateDecisions, m.throttledTotal,
		m.compactionsTotal, m.contextTokens,
		m.approvalsTotal, m.approvalsPending,
		m.toolCallsTotal, m.toolCallDuration,
		m.modelRequests, m.modelDuration, m.modelTokensTotal,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Message counts an inbound message and what became of it.
func (m *Metrics) Message(channel, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(channel, outcome).Inc()
}

// GateDecision counts a gate verdict.
func (m *Metrics) GateDecision(verdict string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(verdict).Inc()
}

// Throttled counts a rate-limited message.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttledTotal.Inc()
}

// Compaction counts a compaction; degraded marks the fallback path.
func (m *Metrics) Compaction(degraded bool) {
	if m == nil {
		return
	}
	mode := "summarized"
	if degraded {
		mode = "degraded"
	}
	m.compactionsTotal.WithLabelValues(mode).Inc()
}

// ContextSize observes the token estimate of a context sent to the model.
func (m *Metrics) ContextSize(tokens int) {
	if m == nil {
		return
	}
	m.contextTokens.Observe(float64(tokens))
}

// Approval counts an approval lifecycle event.
func (m *Metrics) Approval(event string) {
	if m == nil {
		return
	}
	m.approvalsTotal.WithLabelValues(event).Inc()
}

// SetPendingApprovals sets the pending approvals gauge.
func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}

// ToolCall records one tool execution.
func (m *Metrics) ToolCall(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, status(err)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ModelRequest records one model completion.
func (m *Metrics) ModelRequest(model string, d time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	m.modelRequests.WithLabelValues(model, status(err)).Inc()
	m.modelDuration.WithLabelValues(model).Observe(d.Seconds())
	if err == nil {
		m.modelTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		m.modelTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
