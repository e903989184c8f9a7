package toolsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

func TestHTTPToolSourceCallsWithPathQueryAndHeader(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("limit")
		gotHeader = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	def := HTTPToolDef{
		Name:         "search",
		Method:       "GET",
		BaseURL:      srv.URL,
		Path:         "/items/{id}",
		QueryParams:  []string{"limit"},
		HeaderParams: []string{"X-Trace"},
	}
	src := NewHTTPToolSource("s1", []HTTPToolDef{def}, 5*time.Second, Permissive())

	args := jsonvalue.NewObject().
		WithSet("id", jsonvalue.String("42")).
		WithSet("limit", jsonvalue.Number(10)).
		WithSet("X-Trace", jsonvalue.String("abc"))

	result, err := src.CallTool(context.Background(), "search", args)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "/items/42", gotPath)
	require.Equal(t, "10", gotQuery)
	require.Equal(t, "abc", gotHeader)
	require.Len(t, result.Content, 1)
	require.Equal(t, ContentStructured, result.Content[0].Kind)
}

func TestHTTPToolSourceRejectsPrivateNetworkByDefault(t *testing.T) {
	def := HTTPToolDef{Name: "t", Method: "GET", BaseURL: "http://127.0.0.1:1", Path: "/"}
	src := NewHTTPToolSource("s1", []HTTPToolDef{def}, time.Second, GatewayDefault())

	_, err := src.CallTool(context.Background(), "t", jsonvalue.NewObject())
	require.Error(t, err)
}

func TestHTTPToolSourceMapsUpstream5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := HTTPToolDef{Name: "t", Method: "GET", BaseURL: srv.URL, Path: "/"}
	src := NewHTTPToolSource("s1", []HTTPToolDef{def}, time.Second, Permissive())

	_, err := src.CallTool(context.Background(), "t", jsonvalue.NewObject())
	require.ErrorContains(t, err, "upstream_5xx")
}
