package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/catalog"
	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/limiter"
	"github.com/unrelated/mcp-gateway/pkg/gateway/profile"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

type fakeSource struct {
	id       string
	calls    int
	failN    int // fail this many calls before succeeding
	lastArgs jsonvalue.Value
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) ListTools(context.Context) ([]toolsource.ToolDescriptor, error) {
	return []toolsource.ToolDescriptor{{Name: "greet", Description: "says hello"}}, nil
}

func (f *fakeSource) CallTool(_ context.Context, name string, args jsonvalue.Value) (toolsource.CallResult, error) {
	f.calls++
	f.lastArgs = args
	if f.calls <= f.failN {
		return toolsource.CallResult{}, gwerrors.New(gwerrors.KindTransport, "fake: transient failure")
	}
	return toolsource.CallResult{Content: []toolsource.Content{{Kind: toolsource.ContentText, Text: "hi"}}}, nil
}

type fakeRegistry struct {
	sources map[string]toolsource.Source
}

func (r *fakeRegistry) Get(id string) (toolsource.Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

func TestCallToolRoutesToLocalSourceAndAppliesTransforms(t *testing.T) {
	src := &fakeSource{id: "s1"}
	snapshot := &config.Profile{
		ID:          "p1",
		TenantID:    "t1",
		ToolSources: []config.ToolSourceConfig{{ID: "s1", Kind: "http"}},
		Transforms: map[string]config.ToolOverrideConfig{
			"greet": {Rename: "say_hello"},
		},
	}

	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{"s1": src}}, nil, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	shapes := b.ListTools()
	require.Len(t, shapes, 1)
	require.Equal(t, "say_hello", shapes[0].Name)

	result, err := b.CallTool(context.Background(), "req-1", "say_hello", jsonvalue.NewObject())
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, 1, src.calls)
}

func TestCallToolUnknownNameIsAllowlistDenied(t *testing.T) {
	snapshot := &config.Profile{ID: "p1", TenantID: "t1"}
	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{}}, nil, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	_, err := b.CallTool(context.Background(), "req-1", "nope", jsonvalue.NewObject())
	require.Error(t, err)
	require.Equal(t, gwerrors.KindAllowlistDenied, gwerrors.KindOf(err))
}

func TestCallToolRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{id: "s1", failN: 2}
	snapshot := &config.Profile{
		ID:          "p1",
		TenantID:    "t1",
		ToolSources: []config.ToolSourceConfig{{ID: "s1", Kind: "http"}},
		ToolPolicies: []config.ToolPolicy{
			{ToolKey: "s1:greet", Retry: config.RetryPolicy{MaximumAttempts: 3, InitialIntervalMs: 1, BackoffCoefficient: 1, MaximumIntervalMs: 5}},
		},
	}
	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{"s1": src}}, nil, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	result, err := b.CallTool(context.Background(), "req-1", "greet", jsonvalue.NewObject())
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, 3, src.calls)
}

func TestCallToolExhaustsRetriesAndReturnsLastError(t *testing.T) {
	src := &fakeSource{id: "s1", failN: 99}
	snapshot := &config.Profile{
		ID:          "p1",
		TenantID:    "t1",
		ToolSources: []config.ToolSourceConfig{{ID: "s1", Kind: "http"}},
		ToolPolicies: []config.ToolPolicy{
			{ToolKey: "s1:greet", Retry: config.RetryPolicy{MaximumAttempts: 2, InitialIntervalMs: 1, BackoffCoefficient: 1, MaximumIntervalMs: 5}},
		},
	}
	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{"s1": src}}, nil, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	_, err := b.CallTool(context.Background(), "req-1", "greet", jsonvalue.NewObject())
	require.Error(t, err)
	require.Equal(t, 2, src.calls)
}

func TestCallToolRateLimitedByLimiter(t *testing.T) {
	src := &fakeSource{id: "s1"}
	snapshot := &config.Profile{
		ID:          "p1",
		TenantID:    "t1",
		ToolSources: []config.ToolSourceConfig{{ID: "s1", Kind: "http"}},
		Limits:      &config.LimitsConfig{RateLimitPerMinute: 1},
	}
	lim := limiter.New(limiter.NewMemoryStateStore())
	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{"s1": src}}, lim, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	_, err := b.CallTool(context.Background(), "req-1", "greet", jsonvalue.NewObject())
	require.NoError(t, err)

	_, err = b.CallTool(context.Background(), "req-2", "greet", jsonvalue.NewObject())
	require.Error(t, err)
	require.Equal(t, gwerrors.KindRateLimited, gwerrors.KindOf(err))
}

func TestNotificationAllowedDefaultsToAllowAll(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{}}}
	require.True(t, b.notificationAllowed("notifications/tools/list_changed"))
}

func TestNotificationAllowedRespectsDenyList(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{
		MCP: config.McpConfig{NotificationsDeny: []string{"notifications/message"}},
	}}}
	require.False(t, b.notificationAllowed("notifications/message"))
	require.True(t, b.notificationAllowed("notifications/tools/list_changed"))
}

func TestNotificationAllowedRespectsAllowList(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{
		MCP: config.McpConfig{NotificationsAllow: []string{"notifications/tools/list_changed"}},
	}}}
	require.True(t, b.notificationAllowed("notifications/tools/list_changed"))
	require.False(t, b.notificationAllowed("notifications/message"))
}

func TestNotificationAllowedSuppressesLoggingMessagesWhenCapabilityDenied(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{
		MCP: config.McpConfig{CapabilitiesDeny: []string{"logging"}},
	}}}
	require.False(t, b.notificationAllowed("notifications/message"))
	require.True(t, b.notificationAllowed("notifications/tools/list_changed"))
}

func TestNotificationAllowedAllowsLoggingMessagesWhenCapabilityNotDenied(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{}}}
	require.True(t, b.notificationAllowed("notifications/message"))
}

func TestServerRequestAllowedDefaultsToAllowAllWithNoOverride(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{}}}
	require.True(t, b.serverRequestAllowed("u1", "sampling/createMessage"))
}

func TestServerRequestAllowedRestrictsToListedMethods(t *testing.T) {
	b := &Broker{profileHandle: &profile.Handle{Snapshot: &config.Profile{
		MCP: config.McpConfig{Security: config.SecurityConfig{
			UpstreamOverrides: []config.UpstreamOverride{
				{UpstreamID: "u1", ServerRequestsAllow: []string{"sampling/createMessage"}},
			},
		}},
	}}}
	require.True(t, b.serverRequestAllowed("u1", "sampling/createMessage"))
	require.False(t, b.serverRequestAllowed("u1", "roots/list"))
	require.True(t, b.serverRequestAllowed("u2", "roots/list")) // no override for u2
}

func TestCallToolEnforcesLimiterBeforeAllowlistCheck(t *testing.T) {
	snapshot := &config.Profile{
		ID:       "p1",
		TenantID: "t1",
		Limits:   &config.LimitsConfig{RateLimitPerMinute: 1},
	}
	lim := limiter.New(limiter.NewMemoryStateStore())
	b := New(&profile.Handle{ProfileID: "p1", Snapshot: snapshot}, &fakeRegistry{sources: map[string]toolsource.Source{}}, lim, "key1", slog.Default())
	require.NoError(t, b.RefreshCatalog(context.Background()))

	// First call against an unknown tool still consumes the rate limit
	// budget, since Limiter.Allow runs before the allowlist lookup.
	_, err := b.CallTool(context.Background(), "req-1", "nope", jsonvalue.NewObject())
	require.Equal(t, gwerrors.KindAllowlistDenied, gwerrors.KindOf(err))

	_, err = b.CallTool(context.Background(), "req-2", "also-nope", jsonvalue.NewObject())
	require.Equal(t, gwerrors.KindRateLimited, gwerrors.KindOf(err))
}

func TestBackoffDelayRespectsMaximumInterval(t *testing.T) {
	r := config.RetryPolicy{InitialIntervalMs: 100, BackoffCoefficient: 10, MaximumIntervalMs: 200}
	d := backoffDelay(r, 5)
	require.LessOrEqual(t, d, 200*time.Millisecond)
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	r := config.RetryPolicy{InitialIntervalMs: 10, BackoffCoefficient: 2, MaximumIntervalMs: 10_000}
	d1 := backoffDelay(r, 1)
	d5 := backoffDelay(r, 5)
	require.Less(t, d1, d5)
}

func TestResolveToolPolicyFallsBackToSingleAttempt(t *testing.T) {
	p := resolveToolPolicy(nil, "s1", "greet")
	require.Equal(t, 1, p.Retry.MaximumAttempts)
}

func TestCancelInvokesRegisteredCancelFunc(t *testing.T) {
	cancelled := false
	b := &Broker{
		inFlight: map[string]*RouteTarget{
			"req-1": {Kind: catalog.OriginLocal, Cancel: func() { cancelled = true }},
		},
		profileHandle: &profile.Handle{Snapshot: &config.Profile{}},
	}
	b.Cancel(context.Background(), "req-1")
	require.True(t, cancelled)
}

func TestResolveServerResponseFailsOnUnknownProxiedID(t *testing.T) {
	b := &Broker{
		outgoing:      map[string]upstreamOrigin{},
		profileHandle: &profile.Handle{Snapshot: &config.Profile{}},
		signingKey:    []byte("k"),
	}
	_, _, ok := b.ResolveServerResponse("unrelated.proxy.bogus")
	require.False(t, ok)
}
