package upstream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackoffStaysWithinBounds(t *testing.T) {
	c := New("u1", []Endpoint{{URL: "http://example.invalid"}}, ClientCapsForwardAll, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 20; i++ {
		d := c.ReconnectBackoff()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestEffectiveClientCapabilitiesAllowlistEmptyForwardsNothing(t *testing.T) {
	c := New("u1", []Endpoint{{}}, ClientCapsAllowlist, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	got := c.effectiveClientCapabilities(mcp.ClientCapabilities{})
	require.Nil(t, got.Roots)
	require.Nil(t, got.Sampling)
	require.Nil(t, got.Elicitation)
}

func TestEffectiveClientCapabilitiesForwardAllPassesThrough(t *testing.T) {
	c := New("u1", []Endpoint{{}}, ClientCapsForwardAll, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	in := mcp.ClientCapabilities{}
	out := c.effectiveClientCapabilities(in)
	require.Equal(t, in, out)
}

func TestInitializeFailsClosedWithNoEndpoints(t *testing.T) {
	c := New("u1", nil, ClientCapsForwardAll, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := c.Initialize(context.Background(), mcp.ClientCapabilities{}, mcp.Implementation{}, time.Second)
	require.Error(t, err)
	require.Equal(t, StateDegraded, c.State())
}

func TestInitializeTriesEachEndpointInOrder(t *testing.T) {
	// Both endpoints are unreachable, but Initialize must attempt the
	// second one after the first's dial/initialize fails rather than
	// giving up after endpoint zero (spec.md:38: live if ANY endpoint's
	// initialize succeeds).
	c := New("u1", []Endpoint{
		{ID: "e1", URL: "http://example.invalid"},
		{ID: "e2", URL: "http://example.invalid"},
	}, ClientCapsForwardAll, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := c.Initialize(context.Background(), mcp.ClientCapabilities{}, mcp.Implementation{}, time.Second)
	require.Error(t, err)
	require.Equal(t, StateDegraded, c.State())
}
