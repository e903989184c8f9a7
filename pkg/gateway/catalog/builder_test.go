package catalog

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

type fakeUpstream struct {
	id        string
	tools     []Tool
	resources []Resource
	err       error
}

func (f *fakeUpstream) ID() string { return f.id }
func (f *fakeUpstream) ListTools(context.Context) ([]Tool, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tools, nil
}
func (f *fakeUpstream) ListResources(context.Context) ([]Resource, error) { return f.resources, nil }
func (f *fakeUpstream) ListPrompts(context.Context) ([]Prompt, error)     { return nil, nil }

func TestBuildSuffixesCollidingToolNames(t *testing.T) {
	u1 := &fakeUpstream{id: "u1", tools: []Tool{{OriginalName: "search"}}}
	u2 := &fakeUpstream{id: "u2", tools: []Tool{{OriginalName: "search"}}}

	merged, errs := Build(context.Background(), []UpstreamSource{u1, u2}, nil)
	require.Empty(t, errs)
	require.Len(t, merged.Tools, 2)

	names := map[string]bool{}
	for _, tl := range merged.Tools {
		names[tl.AdvertisedName] = true
	}
	require.True(t, names["search"])
	require.True(t, names["search_2"])
}

func TestBuildTreatsOnePartialUpstreamFailureAsNonFatal(t *testing.T) {
	u1 := &fakeUpstream{id: "u1", tools: []Tool{{OriginalName: "a"}}}
	u2 := &fakeUpstream{id: "u2", err: context.DeadlineExceeded}

	merged, errs := Build(context.Background(), []UpstreamSource{u1, u2}, nil)
	require.Len(t, errs, 1)
	require.Len(t, merged.Tools, 1)
}

func TestResourceCollisionUsesHashURNNotSuffix(t *testing.T) {
	u1 := &fakeUpstream{id: "u1", resources: []Resource{{URI: "file:///a"}}}
	u2 := &fakeUpstream{id: "u2", resources: []Resource{{URI: "file:///a"}}}

	merged, errs := Build(context.Background(), []UpstreamSource{u1, u2}, nil)
	require.Empty(t, errs)
	require.Len(t, merged.Resources, 2)

	var plain, urn int
	for _, r := range merged.Resources {
		if r.URI == "file:///a" {
			plain++
		} else {
			urn++
			require.Contains(t, r.URI, "urn:unrelated-mcp-gateway:resource:")
		}
	}
	require.Equal(t, 1, plain)
	require.Equal(t, 1, urn)
}

func TestContractHashIsDeterministic(t *testing.T) {
	m := MergedCatalog{Tools: []Tool{
		{AdvertisedName: "b", Description: "d2", InputSchema: jsonvalue.NewObject()},
		{AdvertisedName: "a", Description: "d1", InputSchema: jsonvalue.NewObject()},
	}}
	h1, err := ContractHash(m)
	require.NoError(t, err)
	h2, err := ContractHash(m)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestContractHashChangesWithVisibleSurface(t *testing.T) {
	m1 := MergedCatalog{Tools: []Tool{{AdvertisedName: "a", Description: "d1"}}}
	m2 := MergedCatalog{Tools: []Tool{{AdvertisedName: "a", Description: "d2"}}}
	h1, _ := ContractHash(m1)
	h2, _ := ContractHash(m2)
	require.NotEqual(t, h1, h2)
}

func TestBuildIncludesLocalToolSources(t *testing.T) {
	src := toolsourceFake{id: "local1"}
	merged, errs := Build(context.Background(), nil, []toolsource.Source{src})
	require.Empty(t, errs)
	require.Len(t, merged.Tools, 1)
	require.Equal(t, OriginLocal, merged.Tools[0].SourceKind)
}

func TestBuildPopulatesEveryToolField(t *testing.T) {
	u1 := &fakeUpstream{id: "u1", tools: []Tool{{
		OriginalName: "search",
		Description:  "full text search",
		InputSchema:  jsonvalue.NewObject(),
		OutputSchema: jsonvalue.NewObject(),
	}}}

	merged, errs := Build(context.Background(), []UpstreamSource{u1}, nil)
	require.Empty(t, errs)
	require.Len(t, merged.Tools, 1)

	want := Tool{
		AdvertisedName: "search",
		OriginalName:   "search",
		Description:    "full text search",
		InputSchema:    jsonvalue.NewObject(),
		OutputSchema:   jsonvalue.NewObject(),
		SourceID:       "u1",
		SourceKind:     OriginUpstream,
	}
	if diff := cmp.Diff(want, merged.Tools[0], cmp.AllowUnexported(jsonvalue.Value{})); diff != "" {
		t.Errorf("merged tool mismatch (-want +got):\n%s", diff)
	}
}

type toolsourceFake struct{ id string }

func (f toolsourceFake) ID() string { return f.id }
func (f toolsourceFake) ListTools(context.Context) ([]toolsource.ToolDescriptor, error) {
	return []toolsource.ToolDescriptor{{Name: "echo"}}, nil
}
func (f toolsourceFake) CallTool(context.Context, string, jsonvalue.Value) (toolsource.CallResult, error) {
	return toolsource.CallResult{}, nil
}
