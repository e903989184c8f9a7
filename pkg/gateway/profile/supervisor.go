// Package profile implements C9 ProfileSupervisor: profile-scoped
// UpstreamClient lifecycles independent of sessions, idle teardown, and
// config-change snapshot swap (spec §4.9).
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/upstream"
)

const defaultIdleTeardown = 120 * time.Second

// clientModeOf maps the profile's configured string mode to the
// upstream package's enum, defaulting to forward-all (spec §4.6's
// resolved default for an unspecified mode).
func clientModeOf(s string) upstream.ClientCapabilitiesMode {
	switch s {
	case "allowlist":
		return upstream.ClientCapsAllowlist
	case "deny_all":
		return upstream.ClientCapsDenyAll
	default:
		return upstream.ClientCapsForwardAll
	}
}

// Handle is what SessionBroker instances hold to reach a profile's shared
// UpstreamClient set, per spec §4.9's "Sessions belonging to the same
// profile share UpstreamClients via ProfileSupervisor" policy.
type Handle struct {
	ProfileID string
	Snapshot  *config.Profile
	Upstreams map[string]*upstream.Client // keyed by upstream id
}

// supervised is one profile's live state: its current snapshot, its
// UpstreamClients, and the count of sessions currently referencing it.
type supervised struct {
	mu        sync.Mutex
	snapshot  *config.Profile
	upstreams map[string]*upstream.Client
	sessions  int
	idleTimer *time.Timer
	cancelWatch func()
}

// Supervisor owns the map of live profiles and their UpstreamClients,
// independent of any individual session's lifetime.
type Supervisor struct {
	store config.ConfigStore
	log   *slog.Logger

	mu       sync.Mutex
	profiles map[string]*supervised

	// onCatalogInvalidate is called after a profile's upstreams are
	// initialized and after a config change swaps in a new snapshot, so
	// SessionBroker instances know to recompute their catalog; keyed by
	// profileId. An upstream degrading or recovering does not call it.
	onCatalogInvalidate func(profileID string)
}

func New(store config.ConfigStore, log *slog.Logger, onCatalogInvalidate func(profileID string)) *Supervisor {
	return &Supervisor{
		store:               store,
		log:                 log,
		profiles:            map[string]*supervised{},
		onCatalogInvalidate: onCatalogInvalidate,
	}
}

// Acquire returns a Handle for profileID, spawning its UpstreamClients on
// first use (spec §4.9: "first session opens spawn them"). Callers must
// call Release when the session tears down.
func (s *Supervisor) Acquire(ctx context.Context, profileID string) (*Handle, error) {
	s.mu.Lock()
	sv, exists := s.profiles[profileID]
	if !exists {
		snapshot, err := s.store.GetProfile(profileID)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		sv = &supervised{snapshot: snapshot, upstreams: map[string]*upstream.Client{}}
		s.profiles[profileID] = sv
		watchCh, cancel := s.store.Watch(profileID)
		sv.cancelWatch = cancel
		go s.watchConfig(profileID, watchCh)
	}
	s.mu.Unlock()

	sv.mu.Lock()
	firstOpen := sv.sessions == 0 && len(sv.upstreams) == 0
	sv.sessions++
	if sv.idleTimer != nil {
		sv.idleTimer.Stop()
		sv.idleTimer = nil
	}
	snapshot := sv.snapshot
	sv.mu.Unlock()

	if firstOpen {
		s.initUpstreams(ctx, profileID, sv, snapshot)
	}

	sv.mu.Lock()
	handle := &Handle{ProfileID: profileID, Snapshot: sv.snapshot, Upstreams: cloneClients(sv.upstreams)}
	sv.mu.Unlock()
	return handle, nil
}

// Release decrements the session count for profileID; at zero, an idle
// teardown timer (default 120s) is armed.
func (s *Supervisor) Release(profileID string) {
	s.mu.Lock()
	sv, exists := s.profiles[profileID]
	s.mu.Unlock()
	if !exists {
		return
	}

	sv.mu.Lock()
	sv.sessions--
	if sv.sessions <= 0 {
		sv.sessions = 0
		idle := defaultIdleTeardown
		if sv.snapshot != nil && sv.snapshot.IdleTeardown != 0 {
			idle = sv.snapshot.IdleTeardown.AsTimeDuration()
		}
		sv.idleTimer = time.AfterFunc(idle, func() { s.teardownIfStillIdle(profileID) })
	}
	sv.mu.Unlock()
}

func (s *Supervisor) teardownIfStillIdle(profileID string) {
	s.mu.Lock()
	sv, exists := s.profiles[profileID]
	s.mu.Unlock()
	if !exists {
		return
	}

	sv.mu.Lock()
	stillIdle := sv.sessions == 0
	upstreams := cloneClients(sv.upstreams)
	if stillIdle {
		sv.upstreams = map[string]*upstream.Client{}
	}
	sv.mu.Unlock()

	if !stillIdle {
		return
	}
	for _, c := range upstreams {
		_ = c.Close()
	}
	s.log.Info("profile supervisor: torn down idle upstreams", "profile_id", profileID)
}

// initUpstreams dials every configured upstream endpoint in parallel,
// bounded and partial-failure tolerant per spec §8's allowPartialUpstreams
// property, grounded on pkg/vmcp/aggregator/default_aggregator.go's
// QueryAllCapabilities errgroup fan-out.
func (s *Supervisor) initUpstreams(ctx context.Context, profileID string, sv *supervised, snapshot *config.Profile) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)

	results := make([]*upstream.Client, len(snapshot.Upstreams))
	for i, u := range snapshot.Upstreams {
		i, u := i, u
		g.Go(func() error {
			if len(u.Endpoints) == 0 {
				return nil
			}
			endpoints := make([]upstream.Endpoint, len(u.Endpoints))
			for j, ep := range u.Endpoints {
				endpoints[j] = upstream.Endpoint{ID: ep.ID, URL: ep.URL, Auth: endpointAuthOf(ep)}
			}
			mode := upstream.ClientCapsForwardAll
			var allow []string
			for _, ov := range snapshot.MCP.Security.UpstreamOverrides {
				if ov.UpstreamID == u.ID {
					mode = clientModeOf(ov.ClientCapabilitiesMode)
					allow = ov.ClientCapabilitiesAllow
				}
			}
			client := upstream.New(u.ID, endpoints, mode, allow, nil, s.log)
			if err := client.Initialize(gctx, mcp.ClientCapabilities{}, mcp.Implementation{Name: "unrelated-mcp-gateway", Version: "0.1.0"}, 10*time.Second); err != nil {
				s.log.Warn("profile supervisor: upstream init failed, continuing degraded", "profile_id", profileID, "upstream_id", u.ID, "error", err)
				if !snapshot.AllowPartialUpstreams {
					return err
				}
			}
			results[i] = client
			return nil
		})
	}
	_ = g.Wait() // with allowPartialUpstreams false a failure cancels the remaining inits; the error is not returned to Acquire

	sv.mu.Lock()
	for _, c := range results {
		if c != nil {
			sv.upstreams[c.UpstreamID()] = c
		}
	}
	sv.mu.Unlock()

	if s.onCatalogInvalidate != nil {
		s.onCatalogInvalidate(profileID)
	}
}

func endpointAuthOf(ep config.EndpointConfig) upstream.EndpointAuth {
	if ep.Auth == nil {
		return upstream.EndpointAuth{}
	}
	switch ep.Auth.Kind {
	case "bearer":
		return upstream.EndpointAuth{Kind: upstream.AuthBearer, Token: ep.Auth.Token}
	case "basic":
		return upstream.EndpointAuth{Kind: upstream.AuthBasic, Username: ep.Auth.Username, Password: ep.Auth.Password}
	case "header":
		return upstream.EndpointAuth{Kind: upstream.AuthHeader, HeaderName: ep.Auth.HeaderName, HeaderValue: ep.Auth.HeaderValue}
	case "query":
		return upstream.EndpointAuth{Kind: upstream.AuthQuery, HeaderName: ep.Auth.HeaderName, HeaderValue: ep.Auth.HeaderValue}
	default:
		return upstream.EndpointAuth{}
	}
}

// watchConfig applies every ConfigStore-observed snapshot change: swap the
// stored snapshot, re-initialize upstreams whose connection parameters
// changed, and invalidate dependent catalogs (spec §4.9).
func (s *Supervisor) watchConfig(profileID string, ch <-chan *config.Profile) {
	for newSnapshot := range ch {
		s.mu.Lock()
		sv, exists := s.profiles[profileID]
		s.mu.Unlock()
		if !exists {
			return
		}

		sv.mu.Lock()
		changed := upstreamsChanged(sv.snapshot, newSnapshot)
		sv.snapshot = newSnapshot
		stale := cloneClients(sv.upstreams)
		sv.mu.Unlock()

		if changed {
			for _, c := range stale {
				_ = c.Close()
			}
			sv.mu.Lock()
			sv.upstreams = map[string]*upstream.Client{}
			sv.mu.Unlock()
			s.initUpstreams(context.Background(), profileID, sv, newSnapshot)
		} else if s.onCatalogInvalidate != nil {
			s.onCatalogInvalidate(profileID)
		}
	}
}

// upstreamsChanged reports whether old and new profile snapshots differ in
// any upstream connection parameter, requiring a reconnect rather than a
// cheap catalog-only refresh.
func upstreamsChanged(oldP, newP *config.Profile) bool {
	if oldP == nil || len(oldP.Upstreams) != len(newP.Upstreams) {
		return true
	}
	oldByID := map[string]config.UpstreamConfig{}
	for _, u := range oldP.Upstreams {
		oldByID[u.ID] = u
	}
	for _, u := range newP.Upstreams {
		prev, ok := oldByID[u.ID]
		if !ok || len(prev.Endpoints) != len(u.Endpoints) {
			return true
		}
		for i := range u.Endpoints {
			if prev.Endpoints[i].URL != u.Endpoints[i].URL {
				return true
			}
		}
	}
	return false
}

func cloneClients(m map[string]*upstream.Client) map[string]*upstream.Client {
	out := make(map[string]*upstream.Client, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Shutdown tears down every supervised profile's upstreams, used on
// process exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	all := make([]*supervised, 0, len(s.profiles))
	for _, sv := range s.profiles {
		all = append(all, sv)
	}
	s.mu.Unlock()

	for _, sv := range all {
		sv.mu.Lock()
		if sv.cancelWatch != nil {
			sv.cancelWatch()
		}
		clients := cloneClients(sv.upstreams)
		sv.mu.Unlock()
		for _, c := range clients {
			_ = c.Close()
		}
	}
}
