// Package session implements C6 SessionBroker: the per-downstream-session
// orchestrator that negotiates capabilities, routes requests, fans in
// notifications and server-requests, applies capability/notification
// filters, enforces signed-ID policy, and handles cancellation and retry
// (spec §4.6).
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unrelated/mcp-gateway/pkg/gateway/catalog"
	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/idcodec"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/limiter"
	"github.com/unrelated/mcp-gateway/pkg/gateway/metrics"
	"github.com/unrelated/mcp-gateway/pkg/gateway/profile"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
	"github.com/unrelated/mcp-gateway/pkg/gateway/transform"
	"github.com/unrelated/mcp-gateway/pkg/gateway/upstream"
)

// State is the per-session state machine of spec §4.6.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateActive
	StateClosing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RouteTarget is what one in-flight downstream request id maps to, per
// spec §3's "at most one RouteTarget at a time" invariant.
type RouteTarget struct {
	Kind     catalog.OriginKind
	SourceID string
	Original string
	Cancel   context.CancelFunc
}

// OutgoingFrame is one frame the Broker wants written to the downstream
// SSE stream: a notification, a server-initiated request, or a tools/call
// response.
type OutgoingFrame struct {
	EventID string
	Payload any // *mcp.JSONRPCNotification | *mcp.JSONRPCRequest | JSON-RPC response value
}

// ToolSourceRegistry resolves a tool source id to its executor, supplied
// by whatever wires up http/openapi sources for a profile.
type ToolSourceRegistry interface {
	Get(sourceID string) (toolsource.Source, bool)
}

// Broker owns one downstream session's state: negotiated capabilities,
// the merged catalog view, in-flight routing, and the IdCodec signing key.
// It is the sole mutator of its own state (spec §5).
type Broker struct {
	SessionID      string
	profileHandle  *profile.Handle
	sources        ToolSourceRegistry
	limiter        *limiter.Limiter
	apiKeyID       string
	signingKey     []byte
	log            *slog.Logger
	metrics        metrics.Metrics

	mu             sync.Mutex
	state          State
	downstreamCaps mcp.ClientCapabilities
	mergedCatalog  catalog.MergedCatalog
	transformEngine *transform.Engine
	toolOverrides  map[string]transform.ToolOverride
	inFlight       map[string]*RouteTarget // downstream request id (string form) -> target
	outgoing       map[string]upstreamOrigin // proxied id -> origin, for decoding responses routed back upstream

	downstream chan OutgoingFrame
	createdAt  time.Time
}

type upstreamOrigin struct {
	upstreamID string
	value      jsonvalue.Value
}

// Option configures optional Broker collaborators.
type Option func(*Broker)

// WithMetrics wires an observability sink for every completed tools/call
// dispatch. Unset, a Broker records nothing.
func WithMetrics(m metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New constructs a Broker in state New. handle is the ProfileSupervisor
// handle shared across sessions of this profile; sources resolves local
// tool executors; the signing key is a fresh per-session secret used by
// IdCodec for signed proxied ids (spec §3).
func New(handle *profile.Handle, sources ToolSourceRegistry, lim *limiter.Limiter, apiKeyID string, log *slog.Logger, opts ...Option) *Broker {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	overrides := map[string]transform.ToolOverride{}
	for origName, ov := range handle.Snapshot.Transforms {
		overrides[origName] = toolOverrideFromConfig(ov)
	}

	b := &Broker{
		SessionID:       uuid.NewString(),
		profileHandle:   handle,
		sources:         sources,
		limiter:         lim,
		apiKeyID:        apiKeyID,
		signingKey:      key,
		log:             log,
		metrics:         metrics.Nop{},
		state:           StateNew,
		transformEngine: transform.New(overrides),
		toolOverrides:   overrides,
		inFlight:        map[string]*RouteTarget{},
		outgoing:        map[string]upstreamOrigin{},
		downstream:      make(chan OutgoingFrame, 64),
		createdAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func toolOverrideFromConfig(ov config.ToolOverrideConfig) transform.ToolOverride {
	out := transform.ToolOverride{Rename: ov.Rename}
	if ov.Description != "" {
		out.Description = ov.Description
		out.HasDescription = true
	}
	if len(ov.Params) > 0 {
		out.Params = map[string]transform.ParamOverride{}
		for name, p := range ov.Params {
			po := transform.ParamOverride{Rename: p.Rename, Visible: p.Visible, TreatNullAsMissing: p.TreatNullAsMissing}
			if len(p.Default) > 0 {
				if v, err := transform.ValidateDefault(p.Default); err == nil {
					po.Default = v
					po.HasDefault = true
				}
			}
			out.Params[name] = po
		}
	}
	return out
}

// Downstream returns the channel the transport layer drains to write
// frames on the session's SSE stream.
func (b *Broker) Downstream() <-chan OutgoingFrame { return b.downstream }

func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize handles the downstream MCP `initialize` request: records
// downstream capabilities, builds the first merged catalog from the
// profile's current upstream set, and starts the per-upstream event
// fan-in loop (spec §4.6).
func (b *Broker) Initialize(ctx context.Context, caps mcp.ClientCapabilities) error {
	b.mu.Lock()
	if b.state != StateNew {
		b.mu.Unlock()
		return fmt.Errorf("session: cannot initialize from state %s", b.state)
	}
	b.downstreamCaps = caps
	b.mu.Unlock()

	if err := b.RefreshCatalog(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.state = StateInitialized
	b.mu.Unlock()

	for _, client := range b.profileHandle.Upstreams {
		go b.pumpUpstreamEvents(client)
	}

	b.mu.Lock()
	b.state = StateActive
	b.mu.Unlock()
	return nil
}

// RefreshCatalog rebuilds the merged catalog view from the profile
// handle's current upstream set, applying the profile's allowlist. Called
// on initialize and whenever ProfileSupervisor signals a catalog
// invalidation for this profile.
func (b *Broker) RefreshCatalog(ctx context.Context) error {
	upstreams := make([]catalog.UpstreamSource, 0, len(b.profileHandle.Upstreams))
	for _, c := range b.profileHandle.Upstreams {
		upstreams = append(upstreams, upstreamCatalogAdapter{c})
	}

	var sources []toolsource.Source
	for _, ts := range b.profileHandle.Snapshot.ToolSources {
		if src, ok := b.sources.Get(ts.ID); ok {
			sources = append(sources, src)
		}
	}

	merged, errs := catalog.Build(ctx, upstreams, sources)
	for _, e := range errs {
		b.log.Warn("session: catalog build partial failure", "session_id", b.SessionID, "error", e)
	}

	if len(b.profileHandle.Snapshot.Allowlist) > 0 {
		allow := map[string]struct{}{}
		for _, a := range b.profileHandle.Snapshot.Allowlist {
			allow[a] = struct{}{}
		}
		merged = catalog.Allowlist(merged, allow)
	}

	b.mu.Lock()
	b.mergedCatalog = merged
	b.mu.Unlock()
	return nil
}

// upstreamCatalogAdapter adapts upstream.Client's live tools/resources/
// prompts into catalog.UpstreamSource; real list calls go through
// Client.Request("tools/list", ...) etc.
type upstreamCatalogAdapter struct{ client *upstream.Client }

func (a upstreamCatalogAdapter) ID() string { return a.client.UpstreamID() }

func (a upstreamCatalogAdapter) ListTools(ctx context.Context) ([]catalog.Tool, error) {
	result, err := a.client.Request(ctx, "tools/list", mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	res, ok := result.(*mcp.ListToolsResult)
	if !ok || res == nil {
		return nil, nil
	}
	out := make([]catalog.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, catalog.Tool{OriginalName: t.Name, Description: t.Description})
	}
	return out, nil
}

func (a upstreamCatalogAdapter) ListResources(ctx context.Context) ([]catalog.Resource, error) {
	result, err := a.client.Request(ctx, "resources/list", mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	res, ok := result.(*mcp.ListResourcesResult)
	if !ok || res == nil {
		return nil, nil
	}
	out := make([]catalog.Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		out = append(out, catalog.Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
	}
	return out, nil
}

func (a upstreamCatalogAdapter) ListPrompts(ctx context.Context) ([]catalog.Prompt, error) {
	result, err := a.client.Request(ctx, "prompts/list", mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	res, ok := result.(*mcp.ListPromptsResult)
	if !ok || res == nil {
		return nil, nil
	}
	out := make([]catalog.Prompt, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		out = append(out, catalog.Prompt{OriginalName: p.Name, Description: p.Description})
	}
	return out, nil
}

// ListTools serves tools/list from the merged catalog, applying the
// TransformEngine's advertise-time shape (spec §4.6).
func (b *Broker) ListTools() []transform.AdvertisedShape {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]transform.AdvertisedShape, 0, len(b.mergedCatalog.Tools))
	for _, t := range b.mergedCatalog.Tools {
		out = append(out, b.transformEngine.Advertise(t.OriginalName, t.Description, t.InputSchema))
	}
	return out
}

// ContractHashes computes per-surface contract hashes of the broker's
// current merged catalog view, for C8 ContractWatch's change detection;
// callers compare the result against the Tracker's last-known hash rather
// than this method deciding what counts as a change.
func (b *Broker) ContractHashes() (catalog.SurfaceHashes, error) {
	b.mu.Lock()
	m := b.mergedCatalog
	b.mu.Unlock()
	return catalog.ContractHashByKind(m)
}

// CallTool executes spec §4.6's tools/call pipeline: Limiter, allowlist,
// TransformEngine reverse, route, ToolPolicy retry. The result is returned
// as the route produced it; no response-side transform is applied.
// downstreamRequestID registers the call in the routing table so
// a later notifications/cancelled can find and cancel it.
func (b *Broker) CallTool(ctx context.Context, downstreamRequestID, advertisedName string, args jsonvalue.Value) (toolsource.CallResult, error) {
	snapshot := b.profileHandle.Snapshot

	if b.limiter != nil {
		cfg := limiterConfigFromProfile(snapshot)
		if err := b.limiter.Allow(ctx, b.apiKeyID, snapshot.ID, cfg); err != nil {
			return toolsource.CallResult{}, err
		}
	}

	b.mu.Lock()
	origin, known := b.findOrigin(advertisedName)
	b.mu.Unlock()

	if !known {
		return toolsource.CallResult{}, gwerrors.New(gwerrors.KindAllowlistDenied, fmt.Sprintf("tool %q not found", advertisedName))
	}

	reversedArgs, err := b.transformEngine.ReverseCall(origin.OriginalName, args)
	if err != nil {
		return toolsource.CallResult{}, err
	}

	policy := resolveToolPolicy(snapshot.ToolPolicies, origin.SourceID, origin.OriginalName)

	callCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.inFlight[downstreamRequestID] = &RouteTarget{Kind: origin.Kind, SourceID: origin.SourceID, Original: origin.OriginalName, Cancel: cancel}
	b.mu.Unlock()
	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.inFlight, downstreamRequestID)
		b.mu.Unlock()
	}()

	start := time.Now()
	result, err := retryWithPolicy(callCtx, policy, func(attemptCtx context.Context) (toolsource.CallResult, error) {
		return b.executeRoute(attemptCtx, origin, reversedArgs)
	})
	b.metrics.ToolCallCompleted(snapshot.ID, originSourceKindLabel(origin.Kind), time.Since(start), err)
	return result, err
}

func originSourceKindLabel(k catalog.OriginKind) string {
	if k == catalog.OriginLocal {
		return "local"
	}
	return "upstream"
}

func (b *Broker) findOrigin(advertisedName string) (catalog.Origin, bool) {
	o, ok := b.mergedCatalog.Origin[advertisedName]
	return o, ok
}

func (b *Broker) executeRoute(ctx context.Context, origin catalog.Origin, args jsonvalue.Value) (toolsource.CallResult, error) {
	switch origin.Kind {
	case catalog.OriginLocal:
		src, ok := b.sources.Get(origin.SourceID)
		if !ok {
			return toolsource.CallResult{}, gwerrors.New(gwerrors.KindNotFound, fmt.Sprintf("tool source %q not found", origin.SourceID))
		}
		return src.CallTool(ctx, origin.OriginalName, args)
	case catalog.OriginUpstream:
		client, ok := b.profileHandle.Upstreams[origin.SourceID]
		if !ok {
			return toolsource.CallResult{}, gwerrors.New(gwerrors.KindNotFound, fmt.Sprintf("upstream %q not found", origin.SourceID))
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = origin.OriginalName
		req.Params.Arguments = jsonvalueToRawMap(args)
		result, err := client.Request(ctx, "tools/call", req)
		if err != nil {
			return toolsource.CallResult{}, err
		}
		return callResultFromMCP(result)
	default:
		return toolsource.CallResult{}, gwerrors.New(gwerrors.KindNotFound, "unknown origin kind")
	}
}

func jsonvalueToRawMap(v jsonvalue.Value) map[string]any {
	out := map[string]any{}
	if v.Kind() != jsonvalue.KindObject {
		return out
	}
	for _, k := range v.Keys() {
		val, _ := v.Get(k)
		out[k] = rawAny(val)
	}
	return out
}

func rawAny(v jsonvalue.Value) any {
	switch v.Kind() {
	case jsonvalue.KindNull:
		return nil
	case jsonvalue.KindBool:
		b, _ := v.BoolValue()
		return b
	case jsonvalue.KindNumber:
		f, _ := v.Float64()
		return f
	case jsonvalue.KindString:
		s, _ := v.StringValue()
		return s
	case jsonvalue.KindArray:
		items, _ := v.Array()
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = rawAny(it)
		}
		return out
	case jsonvalue.KindObject:
		return jsonvalueToRawMap(v)
	default:
		return nil
	}
}

func callResultFromMCP(result any) (toolsource.CallResult, error) {
	res, ok := result.(*mcp.CallToolResult)
	if !ok || res == nil {
		return toolsource.CallResult{}, gwerrors.New(gwerrors.KindDeserialize, "upstream: unexpected tools/call result type")
	}
	out := toolsource.CallResult{IsError: res.IsError}
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			out.Content = append(out.Content, toolsource.Content{Kind: toolsource.ContentText, Text: tc.Text})
			continue
		}
		if ic, ok := mcp.AsImageContent(c); ok {
			out.Content = append(out.Content, toolsource.Content{Kind: toolsource.ContentImage, ImageMime: ic.MIMEType, ImageB64: ic.Data})
		}
	}
	return out, nil
}

// limiterConfigFromProfile maps the profile's limits block to limiter.Config.
func limiterConfigFromProfile(p *config.Profile) limiter.Config {
	if p.Limits == nil {
		return limiter.Config{}
	}
	return limiter.Config{
		RateLimit:  p.Limits.RateLimitPerMinute,
		HasQuota:   p.Limits.HasQuota,
		QuotaLimit: p.Limits.QuotaLimit,
		FailOpen:   p.Limits.FailOpen,
	}
}

// resolveToolPolicy finds the ToolPolicy addressed as "{sourceId}:{name}",
// the addressing scheme confirmed by original_source's tool_policy.rs
// (SPEC_FULL §12); returns a single-attempt, non-retrying default when
// unconfigured.
func resolveToolPolicy(policies []config.ToolPolicy, sourceID, name string) config.ToolPolicy {
	key := sourceID + ":" + name
	for _, p := range policies {
		if p.ToolKey == key {
			return p
		}
	}
	return config.ToolPolicy{Retry: config.RetryPolicy{MaximumAttempts: 1, BackoffCoefficient: 1}}
}

// retryWithPolicy implements spec §4.6's ToolPolicy retry loop: retry only
// if the error's Kind is not in nonRetryableErrorTypes and attempt <
// maximumAttempts; backoff = min(max, initial*coefficient^(attempt-1)) *
// jitter[0.5,1.0]; any ctx cancellation aborts immediately.
func retryWithPolicy(ctx context.Context, policy config.ToolPolicy, fn func(context.Context) (toolsource.CallResult, error)) (toolsource.CallResult, error) {
	nonRetryable := map[string]struct{}{}
	for _, k := range policy.Retry.NonRetryableErrorTypes {
		nonRetryable[k] = struct{}{}
	}

	maxAttempts := policy.Retry.MaximumAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if policy.TimeoutSecs > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(policy.TimeoutSecs)*time.Second)
		}
		result, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return toolsource.CallResult{}, ctx.Err()
		}
		if _, denied := nonRetryable[string(gwerrors.KindOf(err))]; denied {
			return toolsource.CallResult{}, err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(policy.Retry, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return toolsource.CallResult{}, ctx.Err()
		}
	}
	return toolsource.CallResult{}, lastErr
}

func backoffDelay(r config.RetryPolicy, attempt int) time.Duration {
	initial := time.Duration(r.InitialIntervalMs) * time.Millisecond
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	coeff := r.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	maxInterval := time.Duration(r.MaximumIntervalMs) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}

	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= coeff
	}
	capped := time.Duration(d)
	if capped > maxInterval {
		capped = maxInterval
	}
	jitter := 0.5 + mathrand.Float64()*0.5
	return time.Duration(float64(capped) * jitter)
}

// pumpUpstreamEvents drains one upstream's notification/server-request
// channel and applies spec §4.6's server→client forward path: filter by
// profile mcp.notifications/security policy, rewrite ids via IdCodec, emit
// on the downstream channel.
func (b *Broker) pumpUpstreamEvents(client *upstream.Client) {
	for ev := range client.Events() {
		if ev.Notification != nil {
			if !b.notificationAllowed(ev.Notification.Method) {
				continue
			}
			b.emitDownstream(OutgoingFrame{
				EventID: idcodec.EncodeSSEEventID(ev.UpstreamID, uuid.NewString(), idcodec.SSEModeUpstreamSlash),
				Payload: ev.Notification,
			})
			continue
		}
		if ev.Request != nil {
			if !b.serverRequestAllowed(ev.UpstreamID, ev.Request.Method) {
				continue
			}
			proxiedID, err := idcodec.EncodeServerRequestID(ev.UpstreamID, jsonvalue.String(fmt.Sprint(ev.Request.ID)), idcodec.ModeOpaque, b.signedProxiedIDs(), b.signingKey)
			if err != nil {
				b.log.Warn("session: failed to encode proxied server-request id", "session_id", b.SessionID, "error", err)
				continue
			}
			b.mu.Lock()
			b.outgoing[proxiedID] = upstreamOrigin{upstreamID: ev.UpstreamID, value: jsonvalue.String(fmt.Sprint(ev.Request.ID))}
			b.mu.Unlock()

			rewritten := *ev.Request
			rewritten.ID = mcp.NewRequestId(proxiedID)
			b.emitDownstream(OutgoingFrame{
				EventID: idcodec.EncodeSSEEventID(ev.UpstreamID, uuid.NewString(), idcodec.SSEModeUpstreamSlash),
				Payload: &rewritten,
			})
		}
	}
}

// ResolveServerResponse decodes and verifies a downstream response's
// proxied request id, recovering the upstream id and the original
// server-request id it must be sent back as. The transport layer would
// call this before writing a client response onto an upstream
// connection; verification failure (spec §4.1) means the caller drops
// the response rather than guessing at a partial id.
//
// Not currently reachable outside its own tests: see DESIGN.md's C6
// "Known gap" entry for why (no SDK hook delivers an inbound
// server-to-client request on the upstream side for this to apply to).
func (b *Broker) ResolveServerResponse(proxiedID string) (upstreamID string, originalID jsonvalue.Value, ok bool) {
	b.mu.Lock()
	origin, found := b.outgoing[proxiedID]
	if found {
		delete(b.outgoing, proxiedID)
	}
	b.mu.Unlock()
	if !found {
		return "", jsonvalue.Value{}, false
	}

	decodedUpstream, decodedValue, err := idcodec.DecodeServerRequestID(proxiedID, idcodec.ModeOpaque, b.signedProxiedIDs(), b.signingKey)
	if err != nil || decodedUpstream != origin.upstreamID {
		return "", jsonvalue.Value{}, false
	}
	return decodedUpstream, decodedValue, true
}

func (b *Broker) notificationAllowed(method string) bool {
	b.mu.Lock()
	mcpCfg := b.profileHandle.Snapshot.MCP
	b.mu.Unlock()

	// notifications/message is logging's own wire notification; denying
	// the logging capability suppresses it regardless of the notification
	// allow/deny list (spec §4.6, §8 scenario 6).
	if method == "notifications/message" && !capabilityAllowed("logging", mcpCfg.CapabilitiesAllow, mcpCfg.CapabilitiesDeny) {
		return false
	}

	allow := mcpCfg.NotificationsAllow
	deny := mcpCfg.NotificationsDeny
	for _, d := range deny {
		if d == method || matchesNotificationFamily(d, method) {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == method || matchesNotificationFamily(a, method) {
			return true
		}
	}
	return false
}

// capabilityAllowed mirrors the mcp.capabilities.allow/deny filter the
// server package applies when building the advertised server capabilities:
// an explicit deny always wins, an empty allow list means "everything not
// denied", a non-empty one restricts to just its entries.
func capabilityAllowed(name string, allow, deny []string) bool {
	for _, d := range deny {
		if d == name {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == name {
			return true
		}
	}
	return false
}

// serverRequestAllowed applies the per-upstream mcp.security.
// upstreamOverrides[*].serverRequestsAllow filter to a server-initiated
// request forwarded downstream (spec §4.6): no override, or an override
// with an empty list, forwards every method; a non-empty list restricts
// forwarding to just its entries.
func (b *Broker) serverRequestAllowed(upstreamID, method string) bool {
	b.mu.Lock()
	overrides := b.profileHandle.Snapshot.MCP.Security.UpstreamOverrides
	b.mu.Unlock()

	for _, ov := range overrides {
		if ov.UpstreamID != upstreamID {
			continue
		}
		if len(ov.ServerRequestsAllow) == 0 {
			return true
		}
		for _, a := range ov.ServerRequestsAllow {
			if a == method {
				return true
			}
		}
		return false
	}
	return true
}

func matchesNotificationFamily(pattern, method string) bool {
	return pattern == strings.TrimSuffix(method, "_changed") || strings.HasPrefix(method, pattern)
}

func (b *Broker) signedProxiedIDs() bool {
	return b.profileHandle.Snapshot.MCP.Security.SignedProxiedRequestIDs
}

// emitDownstream applies spec §5's "drop-oldest-notifications, never-drop
// responses" backpressure policy: notifications may be dropped when the
// downstream channel is saturated; responses/requests are retried up to a
// 5s abort deadline before the session is aborted.
func (b *Broker) emitDownstream(frame OutgoingFrame) {
	select {
	case b.downstream <- frame:
		return
	default:
	}

	if _, isNotification := frame.Payload.(*mcp.JSONRPCNotification); isNotification {
		select {
		case <-b.downstream:
		default:
		}
		select {
		case b.downstream <- frame:
		default:
		}
		return
	}

	select {
	case b.downstream <- frame:
	case <-time.After(5 * time.Second):
		b.Abort()
	}
}

// Cancel implements spec §4.6's cancellation semantics: cancel the local
// task or forward an upstream cancellation, keyed by the downstream
// request id.
//
// Not currently reachable from a real downstream notifications/cancelled
// frame: see DESIGN.md's C6 "Known gap" entry — the SDK's tool handler
// signature never exposes the inbound request id CallTool is registered
// under, so there is no id to cancel by outside of this method's own
// tests.
func (b *Broker) Cancel(ctx context.Context, downstreamRequestID string) {
	b.mu.Lock()
	target, ok := b.inFlight[downstreamRequestID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if target.Cancel != nil {
		target.Cancel()
	}
	if target.Kind == catalog.OriginUpstream {
		if client, ok := b.profileHandle.Upstreams[target.SourceID]; ok {
			_ = client.Notify(ctx, "notifications/cancelled", map[string]any{"requestId": downstreamRequestID})
		}
	}
}

// Abort transitions the session to Aborted, per spec §4.6: any transport
// error on the downstream stream moves the session to Closing; exhausting
// the backpressure deadline aborts it outright.
func (b *Broker) Abort() {
	b.mu.Lock()
	b.state = StateAborted
	b.mu.Unlock()
	close(b.downstream)
}

// Close transitions Active/Initialized -> Closing -> Closed, idempotently.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.state == StateClosed || b.state == StateAborted {
		b.mu.Unlock()
		return
	}
	b.state = StateClosing
	b.mu.Unlock()

	// Releasing the profile.Handle back to the Supervisor is the owning
	// transport layer's responsibility, since only it knows when the last
	// reference to this session's handle has been dropped.

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
}
