package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusToolCallCompletedRecordsDurationAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ToolCallCompleted("profile-a", "upstream", 50*time.Millisecond, nil)
	p.ToolCallCompleted("profile-a", "upstream", 10*time.Millisecond, assert.AnError)

	require.Equal(t, 2, testutil.CollectAndCount(p.toolCallDuration))
	require.InDelta(t, 1, testutil.ToFloat64(p.toolCallErrors.WithLabelValues("profile-a", "upstream")), 0)
}

func TestPrometheusLimiterDecisionLabelsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.LimiterDecision("profile-a", true, "")
	p.LimiterDecision("profile-a", false, "rate_limit")

	require.InDelta(t, 1, testutil.ToFloat64(p.limiterDecisions.WithLabelValues("profile-a", "true", "")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.limiterDecisions.WithLabelValues("profile-a", "false", "rate_limit")), 0)
}

func TestPrometheusContractChangedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ContractChanged("profile-a", "tools")
	p.ContractChanged("profile-a", "tools")

	require.InDelta(t, 2, testutil.ToFloat64(p.contractChanges.WithLabelValues("profile-a", "tools")), 0)
}

func TestNopSatisfiesInterfaceWithoutPanicking(t *testing.T) {
	var m Metrics = Nop{}
	m.ToolCallCompleted("p", "k", time.Second, nil)
	m.LimiterDecision("p", false, "quota")
	m.ContractChanged("p", "tools")
}
