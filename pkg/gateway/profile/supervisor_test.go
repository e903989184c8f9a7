package profile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
)

type fakeConfigStore struct {
	profiles map[string]*config.Profile
}

func (f *fakeConfigStore) GetProfile(id string) (*config.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return p, nil
}

func (f *fakeConfigStore) Watch(string) (<-chan *config.Profile, func()) {
	ch := make(chan *config.Profile)
	return ch, func() { close(ch) }
}

func TestAcquireSpawnsOnFirstOpenOnly(t *testing.T) {
	store := &fakeConfigStore{profiles: map[string]*config.Profile{
		"p1": {ID: "p1", TenantID: "t1"}, // no upstreams: Acquire completes without network IO
	}}
	sup := New(store, slog.Default(), nil)

	h1, err := sup.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", h1.ProfileID)

	h2, err := sup.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.Same(t, h1.Snapshot, h2.Snapshot)
}

func TestAcquireInvalidatesCatalogAfterInitUpstreams(t *testing.T) {
	store := &fakeConfigStore{profiles: map[string]*config.Profile{
		"p1": {ID: "p1", TenantID: "t1", IdleTeardown: config.Duration(20 * time.Millisecond)},
	}}
	invalidated := make(chan string, 1)
	sup := New(store, slog.Default(), func(profileID string) { invalidated <- profileID })

	_, err := sup.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	sup.Release("p1")

	select {
	case id := <-invalidated:
		require.Equal(t, "p1", id)
	case <-time.After(1 * time.Second):
		t.Fatal("expected catalog invalidation from initial acquire")
	}
}

func TestUpstreamsChangedDetectsURLChange(t *testing.T) {
	oldP := &config.Profile{Upstreams: []config.UpstreamConfig{
		{ID: "u1", Endpoints: []config.EndpointConfig{{ID: "e1", URL: "http://a"}}},
	}}
	newP := &config.Profile{Upstreams: []config.UpstreamConfig{
		{ID: "u1", Endpoints: []config.EndpointConfig{{ID: "e1", URL: "http://b"}}},
	}}
	require.True(t, upstreamsChanged(oldP, newP))
}

func TestUpstreamsChangedFalseWhenIdentical(t *testing.T) {
	p := &config.Profile{Upstreams: []config.UpstreamConfig{
		{ID: "u1", Endpoints: []config.EndpointConfig{{ID: "e1", URL: "http://a"}}},
	}}
	require.False(t, upstreamsChanged(p, p))
}
