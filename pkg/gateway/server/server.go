// Package server implements the HTTP transport that exposes one
// Streamable HTTP MCP endpoint per profile at "/{profileId}/mcp", wiring
// each downstream MCP session to a session.Broker (spec §4.6, §5).
//
// One mark3labs/mcp-go MCPServer is mounted per profile on first request,
// caching catalog injection per SDK session via its OnRegisterSession hook;
// session identity, TTL, and lifecycle stay entirely on the SDK's
// StreamableHTTPServer side, and the per-session session.Broker is what
// actually executes spec §4.6's pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unrelated/mcp-gateway/pkg/gateway/auth"
	"github.com/unrelated/mcp-gateway/pkg/gateway/catalog"
	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/contractwatch"
	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/limiter"
	"github.com/unrelated/mcp-gateway/pkg/gateway/metrics"
	"github.com/unrelated/mcp-gateway/pkg/gateway/profile"
	"github.com/unrelated/mcp-gateway/pkg/gateway/session"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 0 // streamable HTTP holds SSE connections open indefinitely
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultToolCallTimeout   = 30 * time.Second
)

// profileIDPattern restricts the URL segment to a lowercase UUIDv4: the
// gateway never exposes a profile under any other identifier shape, so a
// non-matching segment is a 404, not a lookup miss.
var profileIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// Config holds the gateway HTTP server's listen and timeout settings.
type Config struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Server is the gateway's HTTP front door: one process, many profiles.
type Server struct {
	cfg             *Config
	supervisor      *profile.Supervisor
	safety          toolsource.OutboundSafety
	toolCallTimeout time.Duration
	limiter         *limiter.Limiter
	resolver        auth.Resolver
	tracker         *contractwatch.Tracker
	metrics         metrics.Metrics
	metricsHandler  http.Handler
	log             *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	listenerMu sync.RWMutex

	mountsMu sync.Mutex
	mounts   map[string]*profileMount

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetrics wires an observability sink into every Broker this Server
// constructs. Unset, nothing is recorded.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics, typically promhttp.Handler()
// paired with the prometheus.Registerer a metrics.Prometheus was built
// against. Unset, /metrics is not served.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New constructs a Server. resolver may be nil, in which case every
// request is rejected with 401; a gateway with no auth collaborator
// wired in has no way to produce an AuthContext. safety governs every
// outbound call local toolsource.Source instances make on this server's
// behalf; toolCallTimeout is their default per-call timeout when a tool
// source entry does not override it.
func New(
	cfg *Config,
	supervisor *profile.Supervisor,
	safety toolsource.OutboundSafety,
	toolCallTimeout time.Duration,
	lim *limiter.Limiter,
	resolver auth.Resolver,
	tracker *contractwatch.Tracker,
	log *slog.Logger,
	opts ...Option,
) *Server {
	cfg.applyDefaults()
	if toolCallTimeout == 0 {
		toolCallTimeout = defaultToolCallTimeout
	}
	s := &Server{
		cfg:             cfg,
		supervisor:      supervisor,
		safety:          safety,
		toolCallTimeout: toolCallTimeout,
		limiter:         lim,
		resolver:        resolver,
		tracker:         tracker,
		metrics:         metrics.Nop{},
		log:             log,
		mounts:          make(map[string]*profileMount),
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports when the listener is bound and serving.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Address returns the bound address, valid only after Start has begun
// listening.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	var handler http.Handler = http.HandlerFunc(s.dispatch)
	handler = s.authMiddleware(handler)
	handler = recoveryMiddleware(s.log)(handler)
	mux.Handle("/", handler)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.readyOnce.Do(func() { close(s.ready) })
	s.log.InfoContext(ctx, "gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop gracefully drains in-flight requests and tears down profile mounts.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(shutdownCtx)
	}

	s.mountsMu.Lock()
	for _, m := range s.mounts {
		m.closeAll()
	}
	s.mountsMu.Unlock()

	s.supervisor.Shutdown()
	return err
}

// NotifyCatalogInvalidated recomputes profileID's per-surface contract
// hashes from its currently mounted sessions' catalog view and records
// them with the Tracker, which fans any change out as a list_changed
// notification to every live session of that profile. Intended as
// profile.Supervisor's onCatalogInvalidate callback (spec §4.8's link from
// C9 upstream-set changes to C8 contract-change detection).
//
// If no profileMount exists yet for profileID (no session has connected),
// this is a no-op: the next session's own Initialize builds a fresh
// catalog anyway, so there is nothing live to notify.
func (s *Server) NotifyCatalogInvalidated(profileID string) {
	go s.refreshContract(profileID)
}

func (s *Server) refreshContract(profileID string) {
	if s.tracker == nil {
		return
	}
	s.mountsMu.Lock()
	m, ok := s.mounts[profileID]
	s.mountsMu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	brokers := make([]*session.Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		brokers = append(brokers, b)
	}
	m.mu.Unlock()
	if len(brokers) == 0 {
		return
	}

	ctx := context.Background()
	var hashes catalog.SurfaceHashes
	var computed bool
	for _, b := range brokers {
		if err := b.RefreshCatalog(ctx); err != nil {
			s.log.Error("refresh catalog for contract hash failed", "profile_id", profileID, "error", err)
			continue
		}
		h, err := b.ContractHashes()
		if err != nil {
			s.log.Error("compute contract hashes failed", "profile_id", profileID, "error", err)
			continue
		}
		hashes, computed = h, true
		break
	}
	if !computed {
		return
	}

	for kind, hash := range map[contractwatch.Kind]string{
		contractwatch.KindTools:     hashes.Tools,
		contractwatch.KindResources: hashes.Resources,
		contractwatch.KindPrompts:   hashes.Prompts,
	} {
		s.tracker.Update(profileID, kind, hash)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authMiddleware resolves the inbound credential into an AuthContext and
// attaches it to the request context; it never inspects the credential's
// internals, per spec §1's Non-goal excluding inbound auth from the core.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if s.resolver == nil {
			http.Error(w, "no auth collaborator configured", http.StatusUnauthorized)
			return
		}
		cred := bearerCredential(r)
		if cred == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		authCtx, err := s.resolver.Resolve(cred)
		if err != nil {
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(auth.WithContext(r.Context(), authCtx))
		next.ServeHTTP(w, r)
	})
}

func bearerCredential(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return r.Header.Get("X-Api-Key")
}

// dispatch parses the profile id out of the URL, validates it, enforces
// tenant scoping against the resolved AuthContext, and routes the request
// to that profile's mounted MCP server.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	profileID, rest, ok := splitProfilePath(r.URL.Path)
	if !ok || !profileIDPattern.MatchString(profileID) || rest != "/mcp" {
		http.NotFound(w, r)
		return
	}

	authCtx, _ := auth.FromContext(r.Context())
	if authCtx.ProfileID != "" && authCtx.ProfileID != profileID {
		http.Error(w, "credential not scoped to this profile", http.StatusForbidden)
		return
	}

	mount, err := s.getOrCreateMount(r.Context(), profileID)
	if err != nil {
		if errors.Is(err, errProfileNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "profile unavailable", http.StatusServiceUnavailable)
		return
	}
	if authCtx.TenantID != "" && mount.tenantID != "" && authCtx.TenantID != mount.tenantID {
		http.Error(w, "credential not scoped to this profile's tenant", http.StatusForbidden)
		return
	}

	mount.streamable.ServeHTTP(w, r)
}

func splitProfilePath(path string) (profileID, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "", "", false
	}
	return trimmed[:idx], trimmed[idx:], true
}

var errProfileNotFound = errors.New("server: profile not found")

func (s *Server) getOrCreateMount(ctx context.Context, profileID string) (*profileMount, error) {
	s.mountsMu.Lock()
	defer s.mountsMu.Unlock()

	if m, ok := s.mounts[profileID]; ok {
		return m, nil
	}

	// Acquire-then-release here only validates the profile exists and
	// captures its tenant before we stand up the long-lived SDK mount;
	// each downstream session acquires its own handle on registration.
	handle, err := s.supervisor.Acquire(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errProfileNotFound, err)
	}
	tenantID := handle.Snapshot.TenantID
	mcpCfg := handle.Snapshot.MCP
	s.supervisor.Release(profileID)

	m := newProfileMount(s, profileID, tenantID, mcpCfg)
	s.mounts[profileID] = m
	return m, nil
}

// serverCapabilityAllowed applies the mcp.capabilities.allow/deny filter to
// one named server capability: an explicit deny always wins; an empty allow
// list means "everything not denied"; a non-empty one restricts to just its
// entries.
func serverCapabilityAllowed(name string, allow, deny []string) bool {
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

func recoveryMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.ErrorContext(r.Context(), "panic recovered in http handler", "panic", rec)
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// profileMount owns one profile's mark3labs MCPServer and every
// session.Broker created for a downstream session against it.
type profileMount struct {
	srv       *Server
	profileID string
	tenantID  string           // captured at mount creation; the file-backed ConfigStore has no live reload
	mcpCfg    config.McpConfig // captured at mount creation, same caveat as tenantID

	mcpServer  *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer

	mu          sync.Mutex
	brokers     map[string]*session.Broker         // keyed by SDK session id
	sdkSessions map[string]mcpserver.ClientSession // keyed by SDK session id
	pendingCaps map[string]mcp.ClientCapabilities  // keyed by SDK session id, set in AfterInitialize

	toolSourcesOnce sync.Once
	toolSources     staticRegistry
	toolSourcesErr  error

	watchCancel func()
}

// sessionToolSources builds this mount's tool source registry from
// snapshot on first use and caches it for every later session of the
// profile, the same sharing granularity ProfileSupervisor applies to
// UpstreamClients.
func (m *profileMount) sessionToolSources(snapshot *config.Profile) (staticRegistry, error) {
	m.toolSourcesOnce.Do(func() {
		m.toolSources, m.toolSourcesErr = buildToolSourceRegistry(snapshot.ToolSources, m.srv.safety, m.srv.toolCallTimeout)
	})
	return m.toolSources, m.toolSourcesErr
}

func newProfileMount(srv *Server, profileID, tenantID string, mcpCfg config.McpConfig) *profileMount {
	m := &profileMount{
		srv:         srv,
		profileID:   profileID,
		tenantID:    tenantID,
		mcpCfg:      mcpCfg,
		brokers:     make(map[string]*session.Broker),
		sdkSessions: make(map[string]mcpserver.ClientSession),
		pendingCaps: make(map[string]mcp.ClientCapabilities),
	}

	if srv.tracker != nil {
		events, cancel := srv.tracker.Subscribe(profileID)
		m.watchCancel = cancel
		go m.watchContractEvents(events)
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddAfterInitialize(m.handleAfterInitialize)
	hooks.AddOnRegisterSession(m.handleRegisterSession)
	hooks.AddOnUnregisterSession(m.handleUnregisterSession)

	// The merged server capabilities advertised at initialize are filtered
	// by mcp.capabilities.allow/deny (spec §4.6); "logging" has no SDK
	// capability toggle of its own here, so a profile that denies it relies
	// on notifications/message being suppressed at the stream layer in
	// pumpUpstreamEvents instead.
	allow, deny := mcpCfg.CapabilitiesAllow, mcpCfg.CapabilitiesDeny
	opts := []mcpserver.ServerOption{mcpserver.WithHooks(hooks)}
	if serverCapabilityAllowed("tools", allow, deny) {
		opts = append(opts, mcpserver.WithToolCapabilities(true))
	}
	if serverCapabilityAllowed("resources", allow, deny) {
		opts = append(opts, mcpserver.WithResourceCapabilities(true, true))
	}
	if serverCapabilityAllowed("prompts", allow, deny) {
		opts = append(opts, mcpserver.WithPromptCapabilities(true))
	}

	m.mcpServer = mcpserver.NewMCPServer("mcp-gateway", "0.1.0", opts...)
	m.streamable = mcpserver.NewStreamableHTTPServer(
		m.mcpServer,
		mcpserver.WithEndpointPath("/"+profileID+"/mcp"),
	)
	return m
}

func (m *profileMount) handleAfterInitialize(ctx context.Context, _ any, req *mcp.InitializeRequest, _ *mcp.InitializeResult) {
	sess := mcpserver.ClientSessionFromContext(ctx)
	if sess == nil {
		return
	}
	m.mu.Lock()
	m.pendingCaps[sess.SessionID()] = req.Params.Capabilities
	m.mu.Unlock()
}

func (m *profileMount) handleRegisterSession(ctx context.Context, sess mcpserver.ClientSession) {
	sessionID := sess.SessionID()

	m.mu.Lock()
	caps := m.pendingCaps[sessionID]
	delete(m.pendingCaps, sessionID)
	m.mu.Unlock()

	authCtx, _ := auth.FromContext(ctx)

	handle, err := m.srv.supervisor.Acquire(ctx, m.profileID)
	if err != nil {
		m.srv.log.ErrorContext(ctx, "failed to acquire profile for session", "profile_id", m.profileID, "session_id", sessionID, "error", err)
		return
	}

	sources, err := m.sessionToolSources(handle.Snapshot)
	if err != nil {
		m.srv.log.ErrorContext(ctx, "failed to build tool source registry", "profile_id", m.profileID, "session_id", sessionID, "error", err)
		m.srv.supervisor.Release(m.profileID)
		return
	}

	broker := session.New(handle, sources, m.srv.limiter, authCtx.APIKeyID, m.srv.log, session.WithMetrics(m.srv.metrics))
	if err := broker.Initialize(ctx, caps); err != nil {
		m.srv.log.ErrorContext(ctx, "broker initialize failed", "profile_id", m.profileID, "session_id", sessionID, "error", err)
		m.srv.supervisor.Release(m.profileID)
		return
	}

	m.mu.Lock()
	m.brokers[sessionID] = broker
	m.sdkSessions[sessionID] = sess
	m.mu.Unlock()

	m.registerBrokerTools(sessionID, broker)
	go m.pumpDownstream(sess, broker)
}

func (m *profileMount) handleUnregisterSession(_ context.Context, sess mcpserver.ClientSession) {
	sessionID := sess.SessionID()

	m.mu.Lock()
	broker, ok := m.brokers[sessionID]
	delete(m.brokers, sessionID)
	delete(m.sdkSessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	broker.Close()
	m.srv.supervisor.Release(m.profileID)
}

// registerBrokerTools exposes the broker's post-transform catalog as
// session-scoped SDK tools, mirroring how a single-profile aggregator
// would inject its own aggregated tool set.
func (m *profileMount) registerBrokerTools(sessionID string, broker *session.Broker) {
	shapes := broker.ListTools()
	if len(shapes) == 0 {
		return
	}

	sdkTools := make([]mcpserver.ServerTool, 0, len(shapes))
	for _, shape := range shapes {
		name := shape.Name
		schemaJSON, err := json.Marshal(shape.InputSchema)
		if err != nil {
			m.srv.log.Warn("failed to marshal tool schema", "tool", name, "error", err)
			continue
		}
		sdkTools = append(sdkTools, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:           name,
				Description:    shape.Description,
				RawInputSchema: schemaJSON,
			},
			Handler: m.toolHandler(sessionID, broker, name),
		})
	}

	if err := m.mcpServer.AddSessionTools(sessionID, sdkTools...); err != nil {
		m.srv.log.Error("failed to add session tools", "session_id", sessionID, "error", err)
	}
}

func (m *profileMount) toolHandler(_ string, broker *session.Broker, advertisedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := argsToJSONValue(req.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		// The SDK does not hand handlers the inbound JSON-RPC id, so
		// in-flight registration for Cancel() uses a call-scoped id rather
		// than the real one; a downstream notifications/cancelled keyed to
		// the real request id has no path to this handler in this wiring.
		// See DESIGN.md's C6 "Known gap" entry.
		downstreamRequestID := uuid.NewString()
		result, err := broker.CallTool(ctx, downstreamRequestID, advertisedName, args)
		if err != nil {
			return nil, translateErr(err)
		}
		return toMCPCallToolResult(result), nil
	}
}

func argsToJSONValue(args any) (jsonvalue.Value, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return jsonvalue.Value{}, err
	}
	var v jsonvalue.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return jsonvalue.Value{}, err
	}
	return v, nil
}

func toMCPCallToolResult(result toolsource.CallResult) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(result.Content))
	for _, c := range result.Content {
		switch c.Kind {
		case toolsource.ContentText:
			content = append(content, mcp.NewTextContent(c.Text))
		case toolsource.ContentImage:
			content = append(content, mcp.NewImageContent(c.ImageB64, c.ImageMime))
		case toolsource.ContentStructured:
			raw, _ := jsonvalue.Canonical(c.Structured)
			content = append(content, mcp.NewTextContent(string(raw)))
		}
	}
	return &mcp.CallToolResult{Content: content, IsError: result.IsError}
}

// translateErr maps a core gwerrors.Kind to the nearest protocol-level
// error; unlike tool-execution failures (surfaced via IsError on a
// successful result), these are routing/policy failures that must fail
// the JSON-RPC call itself.
func translateErr(err error) error {
	switch gwerrors.KindOf(err) {
	case gwerrors.KindAllowlistDenied, gwerrors.KindNotFound:
		return fmt.Errorf("tool not found: %w", err)
	case gwerrors.KindRateLimited, gwerrors.KindQuotaExhausted:
		return fmt.Errorf("rate limited: %w", err)
	case gwerrors.KindInvalidArgument, gwerrors.KindDeserialize:
		return fmt.Errorf("invalid request: %w", err)
	default:
		return err
	}
}

// pumpDownstream drains the broker's outgoing frame channel (notifications
// and rewritten server-requests) and forwards each to the SDK session for
// delivery over its SSE stream, until the broker closes it.
func (m *profileMount) pumpDownstream(sess mcpserver.ClientSession, broker *session.Broker) {
	for frame := range broker.Downstream() {
		notification, ok := frame.Payload.(*mcp.JSONRPCNotification)
		if !ok {
			// Server-to-client requests have no transport-level delivery
			// path through ClientSession; dropped here rather than guessing
			// at one. In practice this branch is unreachable anyway, since
			// upstream.Client never populates Event.Request — see
			// DESIGN.md's C6 "Known gap" entry.
			continue
		}
		select {
		case sess.NotificationChannel() <- *notification:
		default:
			m.srv.log.Warn("dropping downstream notification, session channel saturated", "session_id", sess.SessionID())
		}
	}
}

// watchContractEvents delivers every contract-change event the Tracker
// emits for this profile to each currently registered SDK session, as the
// matching notifications/*/list_changed method (spec §4.8). Catalogs are
// already fresh by the time an event arrives: NotifyCatalogInvalidated
// calls Broker.RefreshCatalog before recording the hash that produced it.
func (m *profileMount) watchContractEvents(events <-chan contractwatch.Event) {
	for ev := range events {
		m.mu.Lock()
		sessions := make(map[string]mcpserver.ClientSession, len(m.sdkSessions))
		for id, sess := range m.sdkSessions {
			sessions[id] = sess
		}
		brokers := make(map[string]*session.Broker, len(m.brokers))
		for id, b := range m.brokers {
			brokers[id] = b
		}
		m.mu.Unlock()

		for id, sess := range sessions {
			if b, ok := brokers[id]; ok {
				m.registerBrokerTools(id, b)
			}
			notification := mcp.JSONRPCNotification{
				JSONRPC: "2.0",
				Notification: mcp.Notification{
					Method: ev.Kind.ListChangedMethod(),
					Params: mcp.NotificationParams{
						AdditionalFields: map[string]any{
							"eventId":      ev.EventID,
							"contractHash": ev.ContractHash,
						},
					},
				},
			}
			select {
			case sess.NotificationChannel() <- notification:
			default:
				m.srv.log.Warn("dropping list_changed notification, session channel saturated", "session_id", id)
			}
		}
	}
}

func (m *profileMount) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchCancel != nil {
		m.watchCancel()
	}
	for id, b := range m.brokers {
		b.Close()
		delete(m.brokers, id)
		delete(m.sdkSessions, id)
	}
}
