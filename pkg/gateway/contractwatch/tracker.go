// Package contractwatch implements C8: after every CatalogBuilder
// rebuild, detect contract_hash changes and emit notifications/*/list_changed
// to live sessions for that profile, backed by a strictly-increasing
// per-profile event log usable for replay on session resume (spec §4.8).
package contractwatch

import (
	"sync"

	"github.com/unrelated/mcp-gateway/pkg/gateway/metrics"
)

// Kind is one of the three MCP list surfaces a contract hash covers.
type Kind string

const (
	KindTools     Kind = "tools"
	KindResources Kind = "resources"
	KindPrompts   Kind = "prompts"
)

// ListChangedMethod returns the MCP notification method for this surface.
func (k Kind) ListChangedMethod() string {
	switch k {
	case KindTools:
		return "notifications/tools/list_changed"
	case KindResources:
		return "notifications/resources/list_changed"
	case KindPrompts:
		return "notifications/prompts/list_changed"
	default:
		return "notifications/tools/list_changed"
	}
}

// Event is one entry of the contract event log: a profile's surface hash
// changed to contractHash, assigned the strictly-increasing id eventID.
type Event struct {
	ProfileID    string
	Kind         Kind
	ContractHash string
	EventID      uint64
}

// NotificationParams is the {eventId, contractHash} shape carried in the
// notification's params; the event id and hash are for client-side
// debugging/resume bookkeeping, not part of MCP's own semantics.
type NotificationParams struct {
	EventID      uint64 `json:"eventId"`
	ContractHash string `json:"contractHash"`
}

type surfaceHashes struct {
	tools     string
	hasTools  bool
	resources string
	hasRes    bool
	prompts   string
	hasPrompts bool
}

// Tracker holds the per-profile last-known contract hashes, subscriber
// channels per profile for live list_changed delivery, and delegates the
// strictly increasing event log (capped, oldest trimmed) to an EventStore.
type Tracker struct {
	mu          sync.Mutex
	hashes      map[string]*surfaceHashes
	subscribers map[string][]chan Event
	store       EventStore

	maxLogPerProfile int
	metrics          metrics.Metrics
}

// Option configures optional Tracker collaborators.
type Option func(*Tracker)

// WithMetrics wires an observability sink for every recorded contract
// change. Unset, a Tracker records nothing.
func WithMetrics(m metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithEventStore swaps the event log's backing store. Unset, a Tracker
// uses an in-process memoryEventStore, which does not survive a restart or
// extend across replicas; pass a RedisEventStore for that (SPEC_FULL §11).
func WithEventStore(store EventStore) Option {
	return func(t *Tracker) { t.store = store }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		hashes:           map[string]*surfaceHashes{},
		subscribers:      map[string][]chan Event{},
		store:            newMemoryEventStore(),
		maxLogPerProfile: 1000,
		metrics:          metrics.Nop{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers a channel that receives future contract events for
// profileID. The returned cancel func must be called when the session
// tearing down subscribes; the channel is buffered (64, matching the
// gateway's other notification paths) and notifications are dropped, never
// blocking, if the subscriber falls behind.
func (t *Tracker) Subscribe(profileID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	t.mu.Lock()
	t.subscribers[profileID] = append(t.subscribers[profileID], ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subscribers[profileID]
		for i, c := range subs {
			if c == ch {
				t.subscribers[profileID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

// Update records a newly computed hash for (profileID, kind). It returns
// the Event to emit and true if the hash changed from a prior observation;
// on the first-ever observation of a profile/kind pair it records the hash
// but reports no change, matching the "first observation does not notify"
// rule.
func (t *Tracker) Update(profileID string, kind Kind, newHash string) (Event, bool) {
	t.mu.Lock()

	entry, ok := t.hashes[profileID]
	if !ok {
		entry = &surfaceHashes{}
		t.hashes[profileID] = entry
	}

	var prevHash string
	var hadPrev bool
	switch kind {
	case KindTools:
		prevHash, hadPrev = entry.tools, entry.hasTools
		entry.tools, entry.hasTools = newHash, true
	case KindResources:
		prevHash, hadPrev = entry.resources, entry.hasRes
		entry.resources, entry.hasRes = newHash, true
	case KindPrompts:
		prevHash, hadPrev = entry.prompts, entry.hasPrompts
		entry.prompts, entry.hasPrompts = newHash, true
	}

	if hadPrev && prevHash == newHash {
		t.mu.Unlock()
		return Event{}, false
	}
	if !hadPrev {
		t.mu.Unlock()
		return Event{}, false
	}

	store := t.store
	maxLog := t.maxLogPerProfile
	subs := append([]chan Event{}, t.subscribers[profileID]...)
	t.mu.Unlock()

	eventID := store.NextEventID()
	event := Event{ProfileID: profileID, Kind: kind, ContractHash: newHash, EventID: eventID}
	store.Append(profileID, event)
	store.Trim(profileID, maxLog)

	t.metrics.ContractChanged(profileID, string(kind))

	for _, ch := range subs {
		select {
		case ch <- event:
		default: // drop-oldest-notification backpressure: skip a full subscriber
		}
	}

	return event, true
}

// ReplaySince returns every event for profileID with EventID > lastSeen,
// in ascending order, for session-resume replay (spec §4.8).
func (t *Tracker) ReplaySince(profileID string, lastSeen uint64) []Event {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()
	return store.Since(profileID, lastSeen)
}
