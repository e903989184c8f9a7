// Package metrics is the narrow observability seam C6 SessionBroker, C7
// Limiter, and C8 ContractWatch emit through; the core never imports
// Prometheus types directly into its decision logic (spec §1's Non-goal
// excludes metrics *content* from the core, not the hook surface itself).
package metrics

import "time"

// Metrics receives observability events from the core components. Every
// method must be safe to call from arbitrary goroutines and must never
// block or return an error: a stalled or panicking exporter must never
// affect request handling.
type Metrics interface {
	// ToolCallCompleted records one tools/call dispatch's outcome and
	// latency, labeled by the originating profile and whether it was
	// routed to an upstream or a local tool source.
	ToolCallCompleted(profileID, sourceKind string, duration time.Duration, err error)

	// LimiterDecision records one Limiter.Allow outcome. reason is empty
	// on an ordinary allowed call, "fail_open" on a call allowed because
	// the StateStore was unavailable and FailOpen is set, or
	// "rate_limit"/"quota"/"unavailable" on a denied call.
	LimiterDecision(profileID string, allowed bool, reason string)

	// ContractChanged records one surface (tools/resources/prompts) whose
	// contract hash changed for profileID, immediately before the
	// matching list_changed notification is sent.
	ContractChanged(profileID, kind string)
}

// Nop is the default Metrics: every call is a no-op. Components fall
// back to it so a caller that never wires an exporter pays nothing for
// the instrumentation calls scattered through the hot path.
type Nop struct{}

func (Nop) ToolCallCompleted(string, string, time.Duration, error) {}
func (Nop) LimiterDecision(string, bool, string)                   {}
func (Nop) ContractChanged(string, string)                         {}

var _ Metrics = Nop{}
