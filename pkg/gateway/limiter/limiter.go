package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/metrics"
)

const (
	windowSize    = 60 * time.Second
	maxCASRetries = 3
)

// Config is the per-(apiKeyId, profileId) policy evaluated by Allow.
type Config struct {
	RateLimit int64 // requests per 60s window; 0 = unlimited
	HasQuota  bool
	QuotaLimit int64 // only meaningful when HasQuota

	// FailOpen governs behavior when the StateStore can't be reached or
	// optimistic retries are exhausted. Default (zero value) is fail
	// closed, matching spec §4.7's stated default.
	FailOpen bool
}

// Limiter implements C7: fixed-window rate limiting plus a monotonic quota
// counter, backed by a StateStore with optimistic CAS updates, fronted by
// an in-process token-bucket fast path (spec §4.7).
type Limiter struct {
	store   StateStore
	fast    *fastPathRegistry
	metrics metrics.Metrics
}

// Option configures optional Limiter collaborators.
type Option func(*Limiter)

// WithMetrics wires an observability sink for every Allow decision.
// Unset, a Limiter records nothing.
func WithMetrics(m metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store StateStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, fast: newFastPathRegistry(), metrics: metrics.Nop{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow evaluates one request against the window and quota. It returns nil
// if the request is allowed, or a gwerrors.Error with KindRateLimited or
// KindQuotaExhausted otherwise.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, profileID string, cfg Config) error {
	if cfg.RateLimit > 0 && !l.fast.allow(apiKeyID, profileID, cfg.RateLimit) {
		l.metrics.LimiterDecision(profileID, false, "rate_limit")
		return gwerrors.New(gwerrors.KindRateLimited, "limiter: rate limit exceeded")
	}

	key := stateStoreKey(apiKeyID, profileID)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		state, version, found, err := l.store.Get(ctx, key)
		if err != nil {
			return l.failOrAllow(profileID, cfg, err)
		}

		now := time.Now()
		next := state
		if !found || now.Sub(state.WindowStart) >= windowSize {
			next.WindowStart = now
			next.WindowCount = 1
			if cfg.HasQuota && !state.HasQuota {
				next.QuotaRemaining = cfg.QuotaLimit
			}
		} else {
			next.WindowCount = state.WindowCount + 1
		}
		next.HasQuota = cfg.HasQuota
		if cfg.HasQuota && !found {
			next.QuotaRemaining = cfg.QuotaLimit
		}

		if cfg.RateLimit > 0 && next.WindowCount > cfg.RateLimit {
			l.metrics.LimiterDecision(profileID, false, "rate_limit")
			return gwerrors.New(gwerrors.KindRateLimited, "limiter: rate limit exceeded")
		}

		if cfg.HasQuota {
			if next.QuotaRemaining <= 0 {
				l.metrics.LimiterDecision(profileID, false, "quota")
				return gwerrors.New(gwerrors.KindQuotaExhausted, "limiter: quota exhausted")
			}
			next.QuotaRemaining--
		}

		expected := version
		if !found {
			expected = ""
		}
		if _, err := l.store.CompareAndSwap(ctx, key, next, expected); err != nil {
			if err == ErrConflict {
				continue // re-read and retry
			}
			return l.failOrAllow(profileID, cfg, err)
		}
		l.metrics.LimiterDecision(profileID, true, "")
		return nil
	}

	return l.failOrAllow(profileID, cfg, nil)
}

// failOrAllow is reached once the StateStore is confirmed unavailable or
// optimistic retries are exhausted. It fails open only when cfg.FailOpen is
// set; the zero value (spec §4.7's stated default) fails closed.
func (l *Limiter) failOrAllow(profileID string, cfg Config, cause error) error {
	if cfg.FailOpen {
		l.metrics.LimiterDecision(profileID, true, "fail_open")
		return nil
	}
	l.metrics.LimiterDecision(profileID, false, "unavailable")
	return l.failureResult(cause)
}

func (l *Limiter) failureResult(cause error) error {
	if cause != nil {
		return gwerrors.Wrap(gwerrors.KindTransport, cause, "limiter: state store unavailable")
	}
	return gwerrors.New(gwerrors.KindTransport, "limiter: exhausted optimistic retries")
}

// fastPathRegistry holds one golang.org/x/time/rate.Limiter per
// (apiKeyId, profileId) pair, its rate fixed by the rateLimit seen when the
// pair is first used, so a request that would obviously
// exceed the ceiling is rejected without round-tripping to the
// StateStore, per SPEC_FULL §11's x/time/rate wiring.
type fastPathRegistry struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func newFastPathRegistry() *fastPathRegistry {
	return &fastPathRegistry{limiters: map[string]*rate.Limiter{}}
}

func (f *fastPathRegistry) allow(apiKeyID, profileID string, rateLimit int64) bool {
	key := stateStoreKey(apiKeyID, profileID)

	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.limiters[key]
	if !ok {
		// burst equal to the full window limit: the fast path exists only
		// to shed load that is unambiguously over limit, never to impose a
		// tighter ceiling than the authoritative window check.
		lim = rate.NewLimiter(rate.Limit(float64(rateLimit)/windowSize.Seconds()), int(rateLimit))
		f.limiters[key] = lim
	}
	return lim.Allow()
}
