package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

func TestSplitProfilePathAcceptsMCPSuffix(t *testing.T) {
	id, rest, ok := splitProfilePath("/6ba7b810-9dad-41d4-80b4-00c04fd430c8/mcp")
	require.True(t, ok)
	require.Equal(t, "6ba7b810-9dad-41d4-80b4-00c04fd430c8", id)
	require.Equal(t, "/mcp", rest)
}

func TestSplitProfilePathRejectsNoSlash(t *testing.T) {
	_, _, ok := splitProfilePath("/onlyoneseg")
	require.False(t, ok)
}

func TestProfileIDPatternRejectsUppercaseAndNonV4(t *testing.T) {
	require.False(t, profileIDPattern.MatchString("6BA7B810-9DAD-41D4-80B4-00C04FD430C8"))
	require.False(t, profileIDPattern.MatchString("6ba7b810-9dad-11d4-80b4-00c04fd430c8")) // v1, not v4
	require.True(t, profileIDPattern.MatchString("6ba7b810-9dad-41d4-80b4-00c04fd430c8"))
}

func TestServerCapabilityAllowedDefaultsToAllowAll(t *testing.T) {
	require.True(t, serverCapabilityAllowed("logging", nil, nil))
}

func TestServerCapabilityAllowedRespectsDenyList(t *testing.T) {
	deny := []string{"logging"}
	require.False(t, serverCapabilityAllowed("logging", nil, deny))
	require.True(t, serverCapabilityAllowed("tools", nil, deny))
}

func TestServerCapabilityAllowedRespectsAllowList(t *testing.T) {
	allow := []string{"tools"}
	require.True(t, serverCapabilityAllowed("tools", allow, nil))
	require.False(t, serverCapabilityAllowed("resources", allow, nil))
}

func TestServerCapabilityAllowedDenyWinsOverAllow(t *testing.T) {
	allow := []string{"logging"}
	deny := []string{"logging"}
	require.False(t, serverCapabilityAllowed("logging", allow, deny))
}

func TestArgsToJSONValueRoundtrips(t *testing.T) {
	v, err := argsToJSONValue(map[string]any{"a": 1.0, "b": "x"})
	require.NoError(t, err)
	a, ok := v.Get("a")
	require.True(t, ok)
	f, ok := a.Float64()
	require.True(t, ok)
	require.Equal(t, 1.0, f)
}

func TestToMCPCallToolResultMapsContentKinds(t *testing.T) {
	result := toolsource.CallResult{
		Content: []toolsource.Content{
			{Kind: toolsource.ContentText, Text: "hi"},
			{Kind: toolsource.ContentImage, ImageMime: "image/png", ImageB64: "AAAA"},
			{Kind: toolsource.ContentStructured, Structured: jsonvalue.NewObject()},
		},
		IsError: true,
	}
	out := toMCPCallToolResult(result)
	require.True(t, out.IsError)
	require.Len(t, out.Content, 3)
}

func TestTranslateErrMapsKnownKinds(t *testing.T) {
	err := translateErr(gwerrors.New(gwerrors.KindRateLimited, "too many"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}
