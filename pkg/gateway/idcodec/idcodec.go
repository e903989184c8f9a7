// Package idcodec namespaces request ids and SSE event ids across
// upstreams, HMAC-signs proxied server-initiated request ids, and decodes
// and verifies them on return (spec §3, §4.1).
//
// ProxiedId grammar:
//
//	opaque:   unrelated.proxy.<b64url(upstream_id)>.<b64url(json(value))>.<b64url(hmac16)>
//	readable: unrelated.proxy.r.<upstream_id>.<b64url(json(value))>.<b64url(hmac16)>
//
// The trailing HMAC segment is present iff signing is enabled for the
// profile. The HMAC covers upstream_id || 0x00 || json(value) under the
// session's signingKey, truncated to 16 bytes.
package idcodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

// Mode selects the ProxiedId rendering.
type Mode int

const (
	ModeOpaque Mode = iota
	ModeReadable
)

const (
	prefixOpaque   = "unrelated.proxy"
	prefixReadable = "unrelated.proxy.r"
)

// ErrInvalid is returned for any malformed or (when signing is enabled)
// unverifiable ProxiedId. Per spec §4.1, the caller drops the response and
// emits an observability event; it never reconstructs a partial id.
var ErrInvalid = errors.New("idcodec: invalid proxied id")

// ErrUpstreamIDContainsSlash is returned at profile-load time (not encode time) for
// an upstream id containing '/', which would make SSE event-id namespacing
// ambiguous under upstream-slash mode.
var ErrUpstreamIDContainsSlash = errors.New("idcodec: upstream id must not contain '/'")

// ValidateUpstreamID enforces the profile-load-time constraint from spec
// §4.1's edge cases.
func ValidateUpstreamID(upstreamID string) error {
	if strings.Contains(upstreamID, "/") {
		return fmt.Errorf("%w: %q", ErrUpstreamIDContainsSlash, upstreamID)
	}
	return nil
}

// EncodeServerRequestID produces a ProxiedId for an upstream server-to-
// client request id being forwarded downstream.
func EncodeServerRequestID(upstreamID string, value jsonvalue.Value, mode Mode, sign bool, key []byte) (string, error) {
	valueJSON, err := canonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("idcodec: canonicalize upstream id value: %w", err)
	}
	valueB64 := base64.RawURLEncoding.EncodeToString(valueJSON)

	var head string
	switch mode {
	case ModeOpaque:
		upstreamB64 := base64.RawURLEncoding.EncodeToString([]byte(upstreamID))
		head = fmt.Sprintf("%s.%s.%s", prefixOpaque, upstreamB64, valueB64)
	case ModeReadable:
		head = fmt.Sprintf("%s.%s.%s", prefixReadable, upstreamID, valueB64)
	default:
		return "", fmt.Errorf("idcodec: unknown mode %d", mode)
	}

	if !sign {
		return head, nil
	}
	tag := computeTag(upstreamID, valueJSON, key)
	return head + "." + base64.RawURLEncoding.EncodeToString(tag), nil
}

// DecodeServerRequestID parses and, if sign is set, verifies a ProxiedId,
// recovering the (upstreamID, value) pair that produced it.
func DecodeServerRequestID(proxied string, mode Mode, sign bool, key []byte) (upstreamID string, value jsonvalue.Value, err error) {
	// Readable's prefix is a strict extension of opaque's; check it first so
	// "unrelated.proxy.r.*" never matches the opaque branch.
	var rest string
	var readable bool
	switch {
	case strings.HasPrefix(proxied, prefixReadable+"."):
		if mode != ModeReadable {
			return "", jsonvalue.Value{}, ErrInvalid
		}
		rest = strings.TrimPrefix(proxied, prefixReadable+".")
		readable = true
	case strings.HasPrefix(proxied, prefixOpaque+"."):
		if mode != ModeOpaque {
			return "", jsonvalue.Value{}, ErrInvalid
		}
		rest = strings.TrimPrefix(proxied, prefixOpaque+".")
	default:
		return "", jsonvalue.Value{}, ErrInvalid
	}

	var valueB64, tagB64 string
	if readable {
		// upstream_id may itself contain '.' (only '/' is forbidden, spec
		// §3), so the head can't be split by a fixed part count. Peel the
		// tag and value off the end instead, matching the ground-truth
		// rsplit_once('.') approach, leaving whatever's left as upstream_id.
		if sign {
			var ok bool
			rest, tagB64, ok = rsplitOnce(rest, '.')
			if !ok {
				return "", jsonvalue.Value{}, ErrInvalid
			}
		}
		var ok bool
		upstreamID, valueB64, ok = rsplitOnce(rest, '.')
		if !ok {
			return "", jsonvalue.Value{}, ErrInvalid
		}
	} else {
		parts := strings.Split(rest, ".")
		wantParts := 2
		if sign {
			wantParts = 3
		}
		if len(parts) != wantParts {
			return "", jsonvalue.Value{}, ErrInvalid
		}
		raw, decErr := base64.RawURLEncoding.DecodeString(parts[0])
		if decErr != nil {
			return "", jsonvalue.Value{}, ErrInvalid
		}
		upstreamID = string(raw)
		valueB64 = parts[1]
		if sign {
			tagB64 = parts[2]
		}
	}

	valueJSON, decErr := base64.RawURLEncoding.DecodeString(valueB64)
	if decErr != nil {
		return "", jsonvalue.Value{}, ErrInvalid
	}
	val, parseErr := jsonvalue.Parse(valueJSON)
	if parseErr != nil {
		return "", jsonvalue.Value{}, ErrInvalid
	}

	if sign {
		gotTag, decErr := base64.RawURLEncoding.DecodeString(tagB64)
		if decErr != nil {
			return "", jsonvalue.Value{}, ErrInvalid
		}
		wantTag := computeTag(upstreamID, valueJSON, key)
		if !hmac.Equal(gotTag, wantTag) {
			return "", jsonvalue.Value{}, ErrInvalid
		}
	}

	return upstreamID, val, nil
}

// rsplitOnce splits s on the last occurrence of sep, mirroring Rust's
// rsplit_once: ("a.b.c", '.') -> ("a.b", "c"). ok is false if sep doesn't
// occur in s at all.
func rsplitOnce(s string, sep byte) (head, tail string, ok bool) {
	idx := strings.LastIndexByte(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

const hmacTagLen = 16

func computeTag(upstreamID string, valueJSON []byte, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(upstreamID))
	mac.Write([]byte{0x00})
	mac.Write(valueJSON)
	full := mac.Sum(nil)
	return full[:hmacTagLen]
}

func canonicalJSON(v jsonvalue.Value) ([]byte, error) {
	return jsonvalue.Canonical(v)
}

// SSEMode selects the namespaced SSE event id rendering.
type SSEMode int

const (
	SSEModeUpstreamSlash SSEMode = iota
	SSEModeNone
)

// EncodeSSEEventID namespaces an upstream SSE event id for the merged
// downstream stream.
func EncodeSSEEventID(upstreamID, upstreamEventID string, mode SSEMode) string {
	switch mode {
	case SSEModeUpstreamSlash:
		return upstreamID + "/" + upstreamEventID
	default:
		return upstreamEventID
	}
}

// DecodeSSEEventID recovers (upstreamID, upstreamEventID) from a namespaced
// id. Under upstream-slash, the split is on the FIRST '/'; the upstream
// event id may itself contain further '/' characters, preserved verbatim.
// Under none, ok is false: there is no upstream id to recover and callers
// must already know which upstream the frame came from.
func DecodeSSEEventID(namespaced string, mode SSEMode) (upstreamID, upstreamEventID string, ok bool) {
	if mode == SSEModeNone {
		return "", namespaced, false
	}
	idx := strings.IndexByte(namespaced, '/')
	if idx < 0 {
		return "", "", false
	}
	return namespaced[:idx], namespaced[idx+1:], true
}

// SplitLastEventID splits a downstream Last-Event-ID header value into
// per-upstream resume cursors, used to recover each upstream's last seen
// event id on SSE reconnect (spec §3's "missing cursors mean 'from now'").
func SplitLastEventID(lastEventID string, mode SSEMode) (upstreamID, cursor string, ok bool) {
	return DecodeSSEEventID(lastEventID, mode)
}
