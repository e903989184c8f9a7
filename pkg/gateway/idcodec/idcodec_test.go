package idcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

func TestRoundTripAllModesAndSigning(t *testing.T) {
	key := []byte("session-signing-key")
	value := jsonvalue.Number(42)

	for _, mode := range []Mode{ModeOpaque, ModeReadable} {
		for _, sign := range []bool{false, true} {
			proxied, err := EncodeServerRequestID("upstream1", value, mode, sign, key)
			require.NoError(t, err)

			gotUpstream, gotValue, err := DecodeServerRequestID(proxied, mode, sign, key)
			require.NoError(t, err)
			require.Equal(t, "upstream1", gotUpstream)
			require.True(t, jsonvalue.Equal(value, gotValue))
		}
	}
}

func TestTamperedTagIsInvalid(t *testing.T) {
	key := []byte("session-signing-key")
	proxied, err := EncodeServerRequestID("u1", jsonvalue.Number(42), ModeOpaque, true, key)
	require.NoError(t, err)

	tampered := proxied[:len(proxied)-1] + flip(proxied[len(proxied)-1])

	_, _, err = DecodeServerRequestID(tampered, ModeOpaque, true, key)
	require.ErrorIs(t, err, ErrInvalid)
}

func flip(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}

func TestReadablePrefixCheckedBeforeOpaque(t *testing.T) {
	proxied, err := EncodeServerRequestID("u1", jsonvalue.String("x"), ModeReadable, false, nil)
	require.NoError(t, err)

	upstream, _, err := DecodeServerRequestID(proxied, ModeReadable, false, nil)
	require.NoError(t, err)
	require.Equal(t, "u1", upstream)

	// Decoding a readable id in opaque mode must fail cleanly rather than
	// silently misparsing the "r" segment as a base64 upstream id.
	_, _, err = DecodeServerRequestID(proxied, ModeOpaque, false, nil)
	require.Error(t, err)
}

func TestReadableModeRoundTripsDottedUpstreamID(t *testing.T) {
	key := []byte("session-signing-key")
	for _, sign := range []bool{false, true} {
		proxied, err := EncodeServerRequestID("tenant1.upstream.prod", jsonvalue.Number(7), ModeReadable, sign, key)
		require.NoError(t, err)

		gotUpstream, gotValue, err := DecodeServerRequestID(proxied, ModeReadable, sign, key)
		require.NoError(t, err)
		require.Equal(t, "tenant1.upstream.prod", gotUpstream)
		require.True(t, jsonvalue.Equal(jsonvalue.Number(7), gotValue))
	}
}

func TestSSEEventIDSplitsOnFirstSlashOnly(t *testing.T) {
	encoded := EncodeSSEEventID("u1", "evt/with/slashes", SSEModeUpstreamSlash)
	require.Equal(t, "u1/evt/with/slashes", encoded)

	upstream, eventID, ok := DecodeSSEEventID(encoded, SSEModeUpstreamSlash)
	require.True(t, ok)
	require.Equal(t, "u1", upstream)
	require.Equal(t, "evt/with/slashes", eventID)
}

func TestSSEEventIDNoneModePassesThrough(t *testing.T) {
	encoded := EncodeSSEEventID("u1", "evt-7", SSEModeNone)
	require.Equal(t, "evt-7", encoded)
}

func TestValidateUpstreamIDRejectsSlash(t *testing.T) {
	require.NoError(t, ValidateUpstreamID("u1"))
	require.ErrorIs(t, ValidateUpstreamID("u1/bad"), ErrUpstreamIDContainsSlash)
}
