package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Namespace is the default metric namespace for the module.
const Namespace = "gander"

// Collector owns the module's Prometheus collectors. All record
// methods accept a nil receiver and do nothing, which lets callers
// thread an optional collector without guarding every call site.
type Collector struct {
	turnsTotal   *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec

	toolExecutions *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec

	contextActions *prometheus.CounterVec
	loopGuardTrips *prometheus.CounterVec
	approvals      *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the module's collectors under the given
// namespace via promauto. Registering the same namespace twice in one
// process panics, so construct exactly one collector per namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = Namespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Total number of agent turns",
		},
		[]string{"mode", "status"},
	)

	c.turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	c.providerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of LLM provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "LLM provider request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.providerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total number of tokens exchanged with providers",
		},
		[]string{"provider", "model", "type"},
	)

	c.toolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total number of tool executions",
		},
		[]string{"extension", "tool", "status"},
	)

	c.toolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"extension", "tool"},
	)

	c.contextActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_actions_total",
			Help:      "Total number of context-window rewrites",
		},
		[]string{"strategy", "level"},
	)

	c.loopGuardTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_guard_trips_total",
			Help:      "Total number of tool calls blocked by the repetition guard",
		},
		[]string{"tool"},
	)

	c.approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_approvals_total",
			Help:      "Total number of tool approval decisions",
		},
		[]string{"outcome"},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordTurn records one completed agent turn.
func (c *Collector) RecordTurn(mode, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(mode, status).Inc()
	c.turnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordProviderRequest records one LLM provider exchange.
func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, model, status).Inc()
	c.providerLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.providerTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.providerTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one dispatched tool call.
func (c *Collector) RecordToolExecution(extension, tool, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolExecutions.WithLabelValues(extension, tool, status).Inc()
	c.toolLatency.WithLabelValues(extension, tool).Observe(duration.Seconds())
}

// RecordContextAction records one context-window rewrite.
func (c *Collector) RecordContextAction(strategy, level string) {
	if c == nil {
		return
	}
	c.contextActions.WithLabelValues(strategy, level).Inc()
}

// RecordLoopGuardTrip records one call blocked by the repetition guard.
func (c *Collector) RecordLoopGuardTrip(tool string) {
	if c == nil {
		return
	}
	c.loopGuardTrips.WithLabelValues(tool).Inc()
}

// RecordApproval records one approval decision outcome
// (approved, rejected, timeout).
func (c *Collector) RecordApproval(outcome string) {
	if c == nil {
		return
	}
	c.approvals.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusClass folds an HTTP status code into its class label so the
// path cardinality stays bounded.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
