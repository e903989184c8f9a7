// Package upstream implements C3 UpstreamClient: one streamable-HTTP MCP
// connection to one upstream endpoint, its outgoing request map, and its
// SSE reader task (spec §4.3).
package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
)

// State is the UpstreamClient connection state machine of spec §4.3.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthKind is the per-endpoint outgoing auth scheme (spec §6).
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthBearer
	AuthBasic
	AuthHeader
	AuthQuery
)

// EndpointAuth describes one endpoint's outgoing authentication.
type EndpointAuth struct {
	Kind        AuthKind
	Token       string // bearer
	Username    string // basic
	Password    string // basic
	HeaderName  string // header/query
	HeaderValue string
}

// Endpoint is one of an upstream's configured connection targets.
type Endpoint struct {
	ID   string
	URL  string
	Auth EndpointAuth
}

// ClientCapabilitiesMode controls which downstream client capabilities are
// forwarded to this upstream on initialize (spec §4.6's per-upstream
// policy).
type ClientCapabilitiesMode int

const (
	ClientCapsForwardAll ClientCapabilitiesMode = iota
	ClientCapsAllowlist
	ClientCapsDenyAll
)

// Event is a frame delivered from the upstream's SSE stream that is not a
// resolution of a pending outgoing request: a notification or a
// server-to-client request. The owning SessionBroker consumes these from
// Events().
type Event struct {
	UpstreamID   string
	Notification *mcp.JSONRPCNotification
	// Request models a server->client request per spec §4.6 but is never
	// populated by Initialize below: the inner mcpclient.Client exposes no
	// hook for one, only OnNotification. See DESIGN.md's C6 "Known gap"
	// entry.
	Request *mcp.JSONRPCRequest
}

// Client is C3's concrete UpstreamClient: a single streamable-HTTP (or SSE)
// connection, single-writer / multi-reader per spec §4.3's concurrency
// note.
type Client struct {
	upstreamID string
	endpoints  []Endpoint // tried in order; spec.md:38's "live if at least one endpoint's initialize succeeded"
	log        *slog.Logger

	capsMode         ClientCapabilitiesMode
	capsAllow        map[string]struct{}
	rewriteClientInfo *mcp.Implementation

	mu             sync.Mutex
	state          State
	inner          *mcpclient.Client
	activeEndpoint Endpoint // the endpoint the current inner connection is dialed to
	degradedSince  time.Time
	backoffAttempt int

	events chan Event
	closed chan struct{}
}

// New constructs an UpstreamClient in the Idle state over one or more
// candidate endpoints, tried in order on Initialize. Initialize must be
// called before any outgoing request is issued.
func New(upstreamID string, endpoints []Endpoint, mode ClientCapabilitiesMode, allow []string, rewriteClientInfo *mcp.Implementation, log *slog.Logger) *Client {
	allowSet := make(map[string]struct{}, len(allow))
	for _, a := range allow {
		allowSet[a] = struct{}{}
	}
	return &Client{
		upstreamID:        upstreamID,
		endpoints:         endpoints,
		log:               log,
		capsMode:          mode,
		capsAllow:         allowSet,
		rewriteClientInfo: rewriteClientInfo,
		state:             StateIdle,
		events:            make(chan Event, 64),
		closed:            make(chan struct{}),
	}
}

// Events returns the channel of notifications/server-requests fanned in
// from this upstream's SSE stream. The channel has the bounded capacity
// required by spec §5 (>= 64); backpressure policy ("drop-oldest
// notifications") is applied by the sender, see deliverEvent.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) UpstreamID() string { return c.upstreamID }

// effectiveClientCapabilities applies the per-upstream forwarding policy to
// the downstream's negotiated capabilities. An allowlist mode with an empty
// allow set forwards nothing, per the resolved open question in DESIGN.md.
func (c *Client) effectiveClientCapabilities(downstream mcp.ClientCapabilities) mcp.ClientCapabilities {
	switch c.capsMode {
	case ClientCapsForwardAll:
		return downstream
	case ClientCapsDenyAll:
		return mcp.ClientCapabilities{}
	case ClientCapsAllowlist:
		out := mcp.ClientCapabilities{}
		if _, ok := c.capsAllow["roots"]; ok {
			out.Roots = downstream.Roots
		}
		if _, ok := c.capsAllow["sampling"]; ok {
			out.Sampling = downstream.Sampling
		}
		if _, ok := c.capsAllow["elicitation"]; ok {
			out.Elicitation = downstream.Elicitation
		}
		return out
	default:
		return mcp.ClientCapabilities{}
	}
}

// Initialize performs the MCP handshake against each configured endpoint
// in order, stopping at the first one whose dial and initialize both
// succeed, and on success starts the SSE reader. initTimeout defaults to
// 10s per spec §5 if zero. Per spec.md:38, this upstream is live as soon
// as any one endpoint comes up; the rest are only consulted as fallback.
func (c *Client) Initialize(ctx context.Context, downstreamCaps mcp.ClientCapabilities, clientInfo mcp.Implementation, initTimeout time.Duration) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateDegraded {
		c.mu.Unlock()
		return fmt.Errorf("upstream: cannot initialize from state %s", c.state)
	}
	c.state = StateInitializing
	endpoints := c.endpoints
	c.mu.Unlock()

	if len(endpoints) == 0 {
		c.setState(StateDegraded)
		return gwerrors.New(gwerrors.KindTransport, "upstream: no endpoints configured")
	}

	if initTimeout == 0 {
		initTimeout = 10 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	effectiveInfo := clientInfo
	if c.rewriteClientInfo != nil {
		effectiveInfo = *c.rewriteClientInfo
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = effectiveInfo
	req.Params.Capabilities = c.effectiveClientCapabilities(downstreamCaps)

	var lastErr error
	for _, ep := range endpoints {
		httpClient, err := c.dialTransport(ep)
		if err != nil {
			lastErr = gwerrors.Wrap(gwerrors.KindTransport, err, "upstream: dial")
			c.log.Warn("upstream: endpoint dial failed, trying next", "upstream_id", c.upstreamID, "endpoint_id", ep.ID, "error", err)
			continue
		}

		if _, err := httpClient.Initialize(initCtx, req); err != nil {
			lastErr = gwerrors.Wrap(gwerrors.KindUpstream5xx, err, "upstream: initialize")
			c.log.Warn("upstream: endpoint initialize failed, trying next", "upstream_id", c.upstreamID, "endpoint_id", ep.ID, "error", err)
			_ = httpClient.Close()
			continue
		}

		httpClient.OnNotification(func(n mcp.JSONRPCNotification) {
			c.deliverEvent(Event{UpstreamID: c.upstreamID, Notification: &n})
		})

		c.mu.Lock()
		c.inner = httpClient
		c.activeEndpoint = ep
		c.state = StateReady
		c.backoffAttempt = 0
		c.mu.Unlock()
		return nil
	}

	c.setState(StateDegraded)
	return lastErr
}

// dialTransport is started with context.Background() rather than the
// caller's init context so the reader goroutine it spawns is not killed
// when the caller's deferred cancel fires after Initialize returns, the
// same long-lived-reader rationale SSE clients need generally.
func (c *Client) dialTransport(ep Endpoint) (*mcpclient.Client, error) {
	opts := []transport.StreamableHTTPCOption{}
	if header := authHeader(ep); header != nil {
		opts = append(opts, transport.WithHTTPHeaders(header))
	}
	cl, err := mcpclient.NewStreamableHttpClient(ep.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := cl.Start(context.Background()); err != nil {
		return nil, err
	}
	return cl, nil
}

func authHeader(ep Endpoint) map[string]string {
	switch ep.Auth.Kind {
	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + ep.Auth.Token}
	case AuthHeader:
		return map[string]string{ep.Auth.HeaderName: ep.Auth.HeaderValue}
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(ep.Auth.Username + ":" + ep.Auth.Password))
		return map[string]string{"Authorization": "Basic " + creds}
	default:
		return nil
	}
}

// deliverEvent applies the "drop-oldest notifications, never drop
// responses" backpressure policy of spec §5: a full events channel drops
// its oldest queued notification to make room for the newest.
func (c *Client) deliverEvent(e Event) {
	select {
	case c.events <- e:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("dropping upstream event, events channel saturated", "upstream_id", c.upstreamID)
	}
}

// Request issues one outgoing JSON-RPC request and blocks until a response
// arrives, ctx is cancelled, or deadline elapses. Cancellation here maps to
// spec §4.2's cancel-signal contract used by ToolPolicy.
func (c *Client) Request(ctx context.Context, method string, params any) (any, error) {
	c.mu.Lock()
	state := c.state
	inner := c.inner
	c.mu.Unlock()
	if state != StateReady || inner == nil {
		return nil, gwerrors.New(gwerrors.KindTransport, fmt.Sprintf("upstream %q not ready (state=%s)", c.upstreamID, state))
	}

	switch method {
	case "tools/call":
		req, ok := params.(mcp.CallToolRequest)
		if !ok {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "upstream: tools/call expects mcp.CallToolRequest")
		}
		result, err := inner.CallTool(ctx, req)
		return result, classifyErr(err)
	case "resources/read":
		req, ok := params.(mcp.ReadResourceRequest)
		if !ok {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "upstream: resources/read expects mcp.ReadResourceRequest")
		}
		result, err := inner.ReadResource(ctx, req)
		return result, classifyErr(err)
	case "prompts/get":
		req, ok := params.(mcp.GetPromptRequest)
		if !ok {
			return nil, gwerrors.New(gwerrors.KindInvalidArgument, "upstream: prompts/get expects mcp.GetPromptRequest")
		}
		result, err := inner.GetPrompt(ctx, req)
		return result, classifyErr(err)
	case "tools/list":
		result, err := inner.ListTools(ctx, mcp.ListToolsRequest{})
		return result, classifyErr(err)
	case "resources/list":
		result, err := inner.ListResources(ctx, mcp.ListResourcesRequest{})
		return result, classifyErr(err)
	case "prompts/list":
		result, err := inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
		return result, classifyErr(err)
	default:
		return nil, gwerrors.New(gwerrors.KindMethodNotAvailable, fmt.Sprintf("upstream: unsupported method %q", method))
	}
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return gwerrors.Wrap(gwerrors.KindTransport, err, "upstream: request failed")
}

// Notify sends a fire-and-forget JSON-RPC notification upstream, used for
// forwarding a downstream notifications/cancelled per spec §4.6.
func (c *Client) Notify(ctx context.Context, method string, params map[string]any) error {
	c.mu.Lock()
	inner := c.inner
	state := c.state
	c.mu.Unlock()
	if state != StateReady || inner == nil {
		return gwerrors.New(gwerrors.KindTransport, "upstream: not ready")
	}
	return inner.GetTransport().SendNotification(ctx, mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: params},
		},
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateDegraded {
		c.degradedSince = time.Now()
	}
	c.mu.Unlock()
}

// ReconnectBackoff computes the next retry delay for a Degraded client,
// exponential from 25ms with a 2s cap, multiplied by a uniform jitter in
// [0.5, 1.0], per spec §4.3.
func (c *Client) ReconnectBackoff() time.Duration {
	c.mu.Lock()
	attempt := c.backoffAttempt
	c.backoffAttempt++
	c.mu.Unlock()

	const base = 25 * time.Millisecond
	const maxDelay = 2 * time.Second
	d := base << attempt //nolint:gosec // bounded by maxDelay below before use
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Close transitions Closing->Closed and closes the inner MCP connection.
// The events channel is neither closed nor drained.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	inner := c.inner
	c.mu.Unlock()

	var err error
	if inner != nil {
		err = inner.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.closed)
	return err
}

// Done reports when the client has fully closed.
func (c *Client) Done() <-chan struct{} { return c.closed }
