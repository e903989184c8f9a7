package contractwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// EventStore persists the per-profile contract event log and allocates the
// strictly-increasing event ids Update assigns. Pulled out as a seam so the
// log can survive a process restart or be shared across replicas, rather
// than living only inside one Tracker's memory (spec §4.8's
// replay-on-resume is otherwise only valid within a single process's
// lifetime).
type EventStore interface {
	NextEventID() uint64
	Append(profileID string, event Event)
	Since(profileID string, lastSeen uint64) []Event
	Trim(profileID string, maxLen int)
}

// memoryEventStore is the default, single-replica EventStore: exactly
// Tracker's original in-process counter and per-profile slice, before
// EventStore existed as a pluggable seam.
type memoryEventStore struct {
	mu          sync.Mutex
	log         map[string][]Event
	nextEventID atomic.Uint64
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{log: map[string][]Event{}}
}

func (m *memoryEventStore) NextEventID() uint64 { return m.nextEventID.Add(1) }

func (m *memoryEventStore) Append(profileID string, event Event) {
	m.mu.Lock()
	m.log[profileID] = append(m.log[profileID], event)
	m.mu.Unlock()
}

func (m *memoryEventStore) Since(profileID string, lastSeen uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.log[profileID]
	out := make([]Event, 0, len(log))
	for _, e := range log {
		if e.EventID > lastSeen {
			out = append(out, e)
		}
	}
	return out
}

func (m *memoryEventStore) Trim(profileID string, maxLen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.log[profileID]
	if len(log) > maxLen {
		m.log[profileID] = log[len(log)-maxLen:]
	}
}

// RedisEventStore is the production EventStore (SPEC_FULL §11): a single
// global INCR-backed counter for event ids, and one sorted set per profile
// keyed by event id score, so Since is a ZRANGEBYSCORE and Trim is a
// ZREMRANGEBYRANK against the oldest members. Plays the same role for the
// event log that RedisStateStore plays for C7 Limiter's window/quota state.
type RedisEventStore struct {
	client redis.Cmdable
	prefix string
	log    *slog.Logger
}

func NewRedisEventStore(client redis.Cmdable, log *slog.Logger) *RedisEventStore {
	return &RedisEventStore{client: client, prefix: "contractwatch", log: log}
}

func (r *RedisEventStore) counterKey() string      { return r.prefix + ":next_event_id" }
func (r *RedisEventStore) logKey(profileID string) string { return r.prefix + ":log:" + profileID }

// NextEventID has no error return in the EventStore interface, matching
// the in-memory store's always-succeeds atomic.Uint64.Add; on a transient
// Redis failure it logs and returns 0, which Update then assigns to this
// one event rather than blocking the catalog rebuild on it.
func (r *RedisEventStore) NextEventID() uint64 {
	n, err := r.client.Incr(context.Background(), r.counterKey()).Result()
	if err != nil {
		r.log.Warn("contractwatch: redis INCR failed, event id degraded to 0", "error", err)
		return 0
	}
	return uint64(n)
}

func (r *RedisEventStore) Append(profileID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.Warn("contractwatch: failed to marshal event for redis log", "profile_id", profileID, "error", err)
		return
	}
	ctx := context.Background()
	if err := r.client.ZAdd(ctx, r.logKey(profileID), redis.Z{Score: float64(event.EventID), Member: payload}).Err(); err != nil {
		r.log.Warn("contractwatch: redis ZADD failed", "profile_id", profileID, "error", err)
	}
}

func (r *RedisEventStore) Since(profileID string, lastSeen uint64) []Event {
	ctx := context.Background()
	members, err := r.client.ZRangeByScore(ctx, r.logKey(profileID), &redis.ZRangeBy{
		Min: strconv.FormatUint(lastSeen+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		r.log.Warn("contractwatch: redis ZRANGEBYSCORE failed", "profile_id", profileID, "error", err)
		return nil
	}
	out := make([]Event, 0, len(members))
	for _, m := range members {
		var e Event
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *RedisEventStore) Trim(profileID string, maxLen int) {
	ctx := context.Background()
	if err := r.client.ZRemRangeByRank(ctx, r.logKey(profileID), 0, -int64(maxLen)-1).Err(); err != nil {
		r.log.Warn("contractwatch: redis ZREMRANGEBYRANK failed", "profile_id", profileID, "error", err)
	}
}
