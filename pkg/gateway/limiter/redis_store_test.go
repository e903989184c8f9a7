package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStoreWithClient(client, time.Minute)
}

func TestRedisStateStoreGetMissingKeyReportsNotFound(t *testing.T) {
	store := newTestRedisStore(t)
	_, _, found, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRedisStateStoreCompareAndSwapCreatesThenUpdates(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	state := WindowState{WindowStart: time.Now(), WindowCount: 1}
	version, err := store.CompareAndSwap(ctx, "k1", state, "")
	require.NoError(t, err)
	require.NotEmpty(t, version)

	got, gotVersion, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, version, gotVersion)
	require.Equal(t, int64(1), got.WindowCount)

	state.WindowCount = 2
	_, err = store.CompareAndSwap(ctx, "k1", state, gotVersion)
	require.NoError(t, err)
}

func TestRedisStateStoreCompareAndSwapRejectsStaleVersion(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	state := WindowState{WindowStart: time.Now(), WindowCount: 1}
	_, err := store.CompareAndSwap(ctx, "k1", state, "")
	require.NoError(t, err)

	_, err = store.CompareAndSwap(ctx, "k1", state, "")
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.CompareAndSwap(ctx, "k1", state, "stale-version")
	require.ErrorIs(t, err, ErrConflict)
}
