package contractwatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisEventStore(t *testing.T) *RedisEventStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisEventStore(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisEventStoreNextEventIDIsStrictlyIncreasing(t *testing.T) {
	store := newTestRedisEventStore(t)
	a := store.NextEventID()
	b := store.NextEventID()
	require.Less(t, a, b)
}

func TestRedisEventStoreSinceReturnsOnlyNewerEvents(t *testing.T) {
	store := newTestRedisEventStore(t)

	e1 := Event{ProfileID: "p1", Kind: KindTools, ContractHash: "a", EventID: 1}
	e2 := Event{ProfileID: "p1", Kind: KindTools, ContractHash: "b", EventID: 2}
	store.Append("p1", e1)
	store.Append("p1", e2)

	since := store.Since("p1", 1)
	require.Len(t, since, 1)
	require.Equal(t, uint64(2), since[0].EventID)
}

func TestRedisEventStoreSinceIsolatesProfiles(t *testing.T) {
	store := newTestRedisEventStore(t)
	store.Append("p1", Event{ProfileID: "p1", Kind: KindTools, ContractHash: "a", EventID: 1})
	store.Append("p2", Event{ProfileID: "p2", Kind: KindTools, ContractHash: "x", EventID: 1})

	require.Len(t, store.Since("p1", 0), 1)
	require.Len(t, store.Since("p2", 0), 1)
}

func TestRedisEventStoreTrimKeepsOnlyMostRecent(t *testing.T) {
	store := newTestRedisEventStore(t)
	for i := uint64(1); i <= 5; i++ {
		store.Append("p1", Event{ProfileID: "p1", Kind: KindTools, ContractHash: "h", EventID: i})
	}

	store.Trim("p1", 2)

	remaining := store.Since("p1", 0)
	require.Len(t, remaining, 2)
	require.Equal(t, uint64(4), remaining[0].EventID)
	require.Equal(t, uint64(5), remaining[1].EventID)
}
