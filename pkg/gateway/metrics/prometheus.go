package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is the reference Metrics implementation: counters and a
// histogram registered against a caller-supplied prometheus.Registerer,
// exported over cmd/gateway's /metrics endpoint via promhttp.Handler.
type Prometheus struct {
	toolCallDuration *prometheus.HistogramVec
	toolCallErrors   *prometheus.CounterVec
	limiterDecisions *prometheus.CounterVec
	contractChanges  *prometheus.CounterVec
}

// NewPrometheus constructs and registers every collector against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp_gateway",
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of a tools/call dispatch, by profile and origin kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"profile_id", "source_kind"}),
		toolCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "tool_call_errors_total",
			Help:      "Count of tools/call dispatches that returned an error.",
		}, []string{"profile_id", "source_kind"}),
		limiterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "limiter_decisions_total",
			Help:      "Count of Limiter.Allow decisions, by outcome and reason.",
		}, []string{"profile_id", "allowed", "reason"}),
		contractChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Name:      "contract_changes_total",
			Help:      "Count of contract hash changes that triggered a list_changed notification.",
		}, []string{"profile_id", "kind"}),
	}
	reg.MustRegister(p.toolCallDuration, p.toolCallErrors, p.limiterDecisions, p.contractChanges)
	return p
}

func (p *Prometheus) ToolCallCompleted(profileID, sourceKind string, duration time.Duration, err error) {
	p.toolCallDuration.WithLabelValues(profileID, sourceKind).Observe(duration.Seconds())
	if err != nil {
		p.toolCallErrors.WithLabelValues(profileID, sourceKind).Inc()
	}
}

func (p *Prometheus) LimiterDecision(profileID string, allowed bool, reason string) {
	p.limiterDecisions.WithLabelValues(profileID, boolLabel(allowed), reason).Inc()
}

func (p *Prometheus) ContractChanged(profileID, kind string) {
	p.contractChanges.WithLabelValues(profileID, kind).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ Metrics = (*Prometheus)(nil)
