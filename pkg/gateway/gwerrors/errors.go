// Package gwerrors defines the gateway's error taxonomy (spec §7):
// the fixed set of error kinds surfaced across the core, and a single
// Error type that pairs a kind with a human message and an optional
// wrapped cause.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the gateway distinguishes.
// ToolPolicy retry decisions and JSON-RPC error-code mapping both switch
// on Kind.
type Kind string

const (
	// KindMethodNotAvailable: capability filtered out; mapped to MCP -32601.
	KindMethodNotAvailable Kind = "method_not_available"
	// KindAllowlistDenied: tool not in the profile allowlist.
	KindAllowlistDenied Kind = "allowlist_denied"
	// KindRateLimited: fixed-window rate limit exceeded.
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExhausted: monotonic quota counter hit zero.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindTimeout: a per-attempt deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindTransport: connect/read/write/channel-level failure.
	KindTransport Kind = "transport"
	// KindUpstream5xx: the upstream responded with a 5xx status.
	KindUpstream5xx Kind = "upstream_5xx"
	// KindDeserialize: an upstream response was not valid JSON-RPC.
	KindDeserialize Kind = "deserialize"
	// KindInvalidArgument: schema mismatch surfaced after transforms.
	KindInvalidArgument Kind = "invalid_argument"
	// KindInvalidProxiedId: signed-id verification failed on decode.
	KindInvalidProxiedId Kind = "invalid_proxied_id"
	// KindAborted: the owning session was torn down.
	KindAborted Kind = "aborted"
	// KindContractChanged: internal signal only, never surfaced to clients.
	KindContractChanged Kind = "contract_changed"
	// KindNotFound: generic not-found (e.g. unknown tool source, profile).
	KindNotFound Kind = "not_found"
	// KindAuth: upstream or tool-source authentication failed.
	KindAuth Kind = "auth"
)

// RetryCategories are the Kind values ToolPolicy.NonRetryableErrorTypes may
// name; see spec §4.2.
var RetryCategories = []Kind{KindTimeout, KindTransport, KindUpstream5xx, KindDeserialize}

// Error is the gateway's structured error type. Wrapping errors should
// provide specific detail about which tool, upstream, or session was
// involved; Kind drives programmatic handling, Cause preserves the
// original failure for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and
// KindTransport otherwise; an unclassified failure is conservatively
// treated as a transport error so ToolPolicy still retries it.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransport
}

// Is reports whether err is a gateway Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel errors for simple not-found / invalid-config cases that do not
// need attached context.
var (
	ErrProfileNotFound  = errors.New("gwerrors: profile not found")
	ErrUpstreamNotFound = errors.New("gwerrors: upstream not found")
	ErrInvalidConfig    = errors.New("gwerrors: invalid config")
)
