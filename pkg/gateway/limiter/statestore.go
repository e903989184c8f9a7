// Package limiter implements C7: per-(apiKeyId, profileId) fixed-window
// rate limiting plus a monotonic quota counter, backed by an external
// StateStore with optimistic CAS updates (spec §4.7).
package limiter

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by StateStore.CompareAndSwap when the stored
// version no longer matches the caller's expectation, signalling the
// caller should re-read and retry.
var ErrConflict = errors.New("limiter: optimistic update conflict")

// WindowState is the persisted shape of one (apiKeyId, profileId) rate
// counter, per spec §6's "Persisted state layout".
type WindowState struct {
	WindowStart    time.Time
	WindowCount    int64
	QuotaRemaining int64
	// HasQuota distinguishes "no quota configured" (never exhausts) from a
	// configured quota that happens to be fully consumed.
	HasQuota bool
}

// StateStore is the external atomic key-value collaborator of spec §6,
// narrowed to what Limiter needs: read-modify-write with optimistic
// concurrency. version is an opaque token from a prior Get/CompareAndSwap
// used to detect a lost update.
type StateStore interface {
	Get(ctx context.Context, key string) (state WindowState, version string, found bool, err error)
	// CompareAndSwap writes state if the stored version still matches
	// expectedVersion (or the key is absent and expectedVersion is empty).
	// Returns the new version on success, ErrConflict on mismatch.
	CompareAndSwap(ctx context.Context, key string, state WindowState, expectedVersion string) (newVersion string, err error)
}

func stateStoreKey(apiKeyID, profileID string) string {
	return "limiter:" + apiKeyID + ":" + profileID
}
