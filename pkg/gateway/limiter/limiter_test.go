package limiter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
)

func TestAllowExactlyLimitSucceedsUnderConcurrency(t *testing.T) {
	// spec §8: of R > limit concurrent Allow calls within one window,
	// exactly limit succeed.
	store := NewMemoryStateStore()
	l := New(store)
	cfg := Config{RateLimit: 20}

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Allow(context.Background(), "key1", "profile1", cfg)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 20, successes)
}

func TestAllowReturnsRateLimitedOnceWindowExceeded(t *testing.T) {
	store := NewMemoryStateStore()
	l := New(store)
	cfg := Config{RateLimit: 2}
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "k", "p", cfg))
	require.NoError(t, l.Allow(ctx, "k", "p", cfg))

	err := l.Allow(ctx, "k", "p", cfg)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.KindRateLimited))
}

func TestAllowReturnsQuotaExhaustedWhenQuotaHitsZero(t *testing.T) {
	store := NewMemoryStateStore()
	l := New(store)
	cfg := Config{HasQuota: true, QuotaLimit: 1}
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "k", "p", cfg))

	err := l.Allow(ctx, "k", "p", cfg)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.KindQuotaExhausted))
}

func TestAllowIsUnlimitedWithoutRateLimitOrQuota(t *testing.T) {
	store := NewMemoryStateStore()
	l := New(store)
	cfg := Config{}
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow(ctx, "k", "p", cfg))
	}
}

func TestAllowKeepsIndependentWindowsPerApiKeyAndProfile(t *testing.T) {
	store := NewMemoryStateStore()
	l := New(store)
	cfg := Config{RateLimit: 1}
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "k1", "p", cfg))
	require.NoError(t, l.Allow(ctx, "k2", "p", cfg))
	require.NoError(t, l.Allow(ctx, "k1", "p2", cfg))

	require.Error(t, l.Allow(ctx, "k1", "p", cfg))
}

// unavailableStateStore always fails Get, simulating a StateStore outage.
type unavailableStateStore struct{}

func (unavailableStateStore) Get(context.Context, string) (WindowState, string, bool, error) {
	return WindowState{}, "", false, errStoreUnavailable
}

func (unavailableStateStore) CompareAndSwap(context.Context, string, WindowState, string) (string, error) {
	return "", errStoreUnavailable
}

var errStoreUnavailable = gwerrors.New(gwerrors.KindTransport, "store unavailable")

func TestAllowFailsClosedOnStoreOutageByDefault(t *testing.T) {
	l := New(unavailableStateStore{})
	cfg := Config{RateLimit: 10}

	err := l.Allow(context.Background(), "k", "p", cfg)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.KindTransport))
}

func TestAllowFailsOpenOnStoreOutageWhenConfigured(t *testing.T) {
	l := New(unavailableStateStore{})
	cfg := Config{RateLimit: 10, FailOpen: true}

	require.NoError(t, l.Allow(context.Background(), "k", "p", cfg))
}
