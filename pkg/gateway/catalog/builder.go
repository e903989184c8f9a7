// Package catalog implements C4 CatalogBuilder: the merged, transformed
// tools/resources/prompts view built from live upstreams plus attached
// tool sources (spec §4.4).
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

// OriginKind distinguishes an advertised capability's backing source.
type OriginKind int

const (
	OriginUpstream OriginKind = iota
	OriginLocal
)

// Origin records where an advertised name came from, for reverse routing
// on tools/call (spec §4.4).
type Origin struct {
	Kind         OriginKind
	SourceID     string // upstream id or tool source id
	OriginalName string
}

// Tool is one merged, pre-transform tool entry.
type Tool struct {
	AdvertisedName string
	OriginalName   string
	Description    string
	InputSchema    jsonvalue.Value
	OutputSchema   jsonvalue.Value
	SourceID       string
	SourceKind     OriginKind
}

// Resource is one merged resource entry; URI collisions are resolved via a
// hash-based URN per SPEC_FULL §12, not numeric suffixing.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	SourceID    string
}

// Prompt is one merged prompt entry.
type Prompt struct {
	AdvertisedName string
	OriginalName   string
	Description    string
	SourceID       string
}

// MergedCatalog is the full output of one CatalogBuilder pass.
type MergedCatalog struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
	Origin    map[string]Origin // keyed by advertised tool/prompt name
}

// UpstreamSource is the minimal read interface CatalogBuilder needs from a
// Ready C3 UpstreamClient: its own list of advertised tools/resources/
// prompts, queried fresh on each rebuild.
type UpstreamSource interface {
	ID() string
	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
}

// Build queries every upstream and tool source concurrently (bounded,
// partial-failure tolerant per spec §8's allowPartialUpstreams property)
// and merges the results in declared order: upstreams first, then tool
// sources, both by ordinal, grounded on
// pkg/vmcp/aggregator/default_aggregator.go's QueryAllCapabilities.
func Build(ctx context.Context, upstreams []UpstreamSource, sources []toolsource.Source) (MergedCatalog, []error) {
	type upstreamResult struct {
		id        string
		tools     []Tool
		resources []Resource
		prompts   []Prompt
		err       error
	}
	upstreamResults := make([]upstreamResult, len(upstreams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for i, u := range upstreams {
		i, u := i, u
		g.Go(func() error {
			tools, err := u.ListTools(gctx)
			if err != nil {
				upstreamResults[i] = upstreamResult{id: u.ID(), err: err}
				return nil // tolerate partial failure; never fail the group
			}
			resources, _ := u.ListResources(gctx)
			prompts, _ := u.ListPrompts(gctx)
			upstreamResults[i] = upstreamResult{id: u.ID(), tools: tools, resources: resources, prompts: prompts}
			return nil
		})
	}

	type sourceResult struct {
		id    string
		tools []toolsource.ToolDescriptor
		err   error
	}
	sourceResults := make([]sourceResult, len(sources))
	for i, s := range sources {
		i, s := i, s
		g.Go(func() error {
			tools, err := s.ListTools(gctx)
			sourceResults[i] = sourceResult{id: s.ID(), tools: tools, err: err}
			return nil
		})
	}

	_ = g.Wait() // errors are collected per-item above, never propagated as a group failure

	var errs []error
	merged := MergedCatalog{Origin: map[string]Origin{}}

	toolNameCounts := map[string]int{}
	resourceURISeen := map[string]string{} // uri -> first sourceID that used it
	promptNameCounts := map[string]int{}

	for _, r := range upstreamResults {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("catalog: upstream %q: %w", r.id, r.err))
			continue
		}
		for _, t := range r.tools {
			name := dedupName(t.OriginalName, toolNameCounts)
			merged.Tools = append(merged.Tools, Tool{
				AdvertisedName: name, OriginalName: t.OriginalName, Description: t.Description,
				InputSchema: t.InputSchema, OutputSchema: t.OutputSchema, SourceID: r.id, SourceKind: OriginUpstream,
			})
			merged.Origin[name] = Origin{Kind: OriginUpstream, SourceID: r.id, OriginalName: t.OriginalName}
		}
		for _, res := range r.resources {
			merged.Resources = append(merged.Resources, resolveResourceCollision(res, r.id, resourceURISeen))
		}
		for _, p := range r.prompts {
			name := dedupName(p.OriginalName, promptNameCounts)
			merged.Prompts = append(merged.Prompts, Prompt{AdvertisedName: name, OriginalName: p.OriginalName, Description: p.Description, SourceID: r.id})
			merged.Origin[name] = Origin{Kind: OriginUpstream, SourceID: r.id, OriginalName: p.OriginalName}
		}
	}

	for _, r := range sourceResults {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("catalog: tool source %q: %w", r.id, r.err))
			continue
		}
		for _, t := range r.tools {
			name := dedupName(t.Name, toolNameCounts)
			merged.Tools = append(merged.Tools, Tool{
				AdvertisedName: name, OriginalName: t.Name, Description: t.Description,
				InputSchema: t.InputSchema, OutputSchema: t.OutputSchema, SourceID: r.id, SourceKind: OriginLocal,
			})
			merged.Origin[name] = Origin{Kind: OriginLocal, SourceID: r.id, OriginalName: t.Name}
		}
	}

	return merged, errs
}

// dedupName implements spec §4.4's "suffix _2, _3, ... on the second and
// subsequent occurrences" collision rule for tool/prompt advertised names.
func dedupName(name string, counts map[string]int) string {
	counts[name]++
	n := counts[name]
	if n == 1 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n)
}

// resolveResourceCollision implements SPEC_FULL §12's hash-URN collision
// scheme: the first source to expose a URI keeps it verbatim; every
// subsequent collision is rewritten to a urn that embeds the owning
// upstream id and a hash of the original URI, since resource URIs are
// opaque values a client may re-fetch and a numeric suffix would corrupt
// that value.
func resolveResourceCollision(res Resource, sourceID string, seen map[string]string) Resource {
	if firstOwner, exists := seen[res.URI]; !exists || firstOwner == sourceID {
		seen[res.URI] = sourceID
		res.SourceID = sourceID
		return res
	}
	hash := sha256.Sum256([]byte(res.URI))
	res.URI = fmt.Sprintf("urn:unrelated-mcp-gateway:resource:%s:%s", sourceID, hex.EncodeToString(hash[:]))
	res.SourceID = sourceID
	return res
}

// Allowlist filters a catalog by the stable "{sourceId}:{originalName}"
// key, per spec §4.4. A nil/empty allow set means "no filtering".
func Allowlist(m MergedCatalog, allow map[string]struct{}) MergedCatalog {
	if len(allow) == 0 {
		return m
	}
	out := MergedCatalog{Origin: map[string]Origin{}}
	for _, t := range m.Tools {
		key := t.SourceID + ":" + t.OriginalName
		if _, ok := allow[key]; ok {
			out.Tools = append(out.Tools, t)
			out.Origin[t.AdvertisedName] = m.Origin[t.AdvertisedName]
		}
	}
	out.Resources = m.Resources
	out.Prompts = m.Prompts
	for name, o := range m.Origin {
		if _, has := out.Origin[name]; has {
			continue
		}
		for _, p := range m.Prompts {
			if p.AdvertisedName == name {
				out.Origin[name] = o
			}
		}
	}
	return out
}

// ContractHash computes spec §4.4/§3's deterministic digest: sha256 of the
// canonical JSON of the catalog's externally visible fields, sorted by
// name, with no dynamic fields (SourceID is internal plumbing and excluded
// so moving a tool between equivalent sources does not spuriously change
// the hash; only a change to the visible surface itself should).
func ContractHash(m MergedCatalog) (string, error) {
	toolEntries := make([]jsonvalue.Value, 0, len(m.Tools))
	sortedTools := append([]Tool(nil), m.Tools...)
	sort.Slice(sortedTools, func(i, j int) bool { return sortedTools[i].AdvertisedName < sortedTools[j].AdvertisedName })
	for _, t := range sortedTools {
		entry := jsonvalue.NewObject().
			WithSet("name", jsonvalue.String(t.AdvertisedName)).
			WithSet("description", jsonvalue.String(t.Description)).
			WithSet("inputSchema", t.InputSchema).
			WithSet("outputSchema", t.OutputSchema)
		toolEntries = append(toolEntries, entry)
	}

	resEntries := make([]jsonvalue.Value, 0, len(m.Resources))
	sortedRes := append([]Resource(nil), m.Resources...)
	sort.Slice(sortedRes, func(i, j int) bool { return sortedRes[i].URI < sortedRes[j].URI })
	for _, r := range sortedRes {
		resEntries = append(resEntries, jsonvalue.NewObject().
			WithSet("uri", jsonvalue.String(r.URI)).
			WithSet("name", jsonvalue.String(r.Name)).
			WithSet("description", jsonvalue.String(r.Description)).
			WithSet("mimeType", jsonvalue.String(r.MimeType)))
	}

	promptEntries := make([]jsonvalue.Value, 0, len(m.Prompts))
	sortedPrompts := append([]Prompt(nil), m.Prompts...)
	sort.Slice(sortedPrompts, func(i, j int) bool { return sortedPrompts[i].AdvertisedName < sortedPrompts[j].AdvertisedName })
	for _, p := range sortedPrompts {
		promptEntries = append(promptEntries, jsonvalue.NewObject().
			WithSet("name", jsonvalue.String(p.AdvertisedName)).
			WithSet("description", jsonvalue.String(p.Description)))
	}

	root := jsonvalue.NewObject().
		WithSet("tools", jsonvalue.Array(toolEntries...)).
		WithSet("resources", jsonvalue.Array(resEntries...)).
		WithSet("prompts", jsonvalue.Array(promptEntries...))

	canon, err := jsonvalue.Canonical(root)
	if err != nil {
		return "", fmt.Errorf("catalog: canonicalizing contract: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SurfaceHashes are the three per-kind hashes ContractWatch tracks
// independently so a change to, say, the prompts list does not spuriously
// emit notifications/tools/list_changed (spec §4.8).
type SurfaceHashes struct {
	Tools, Resources, Prompts string
}

// ContractHashByKind computes ContractHash's same canonicalize-then-sha256
// treatment independently per surface, for C8 ContractWatch's per-kind
// change detection.
func ContractHashByKind(m MergedCatalog) (SurfaceHashes, error) {
	toolsOnly, err := ContractHash(MergedCatalog{Tools: m.Tools})
	if err != nil {
		return SurfaceHashes{}, err
	}
	resOnly, err := ContractHash(MergedCatalog{Resources: m.Resources})
	if err != nil {
		return SurfaceHashes{}, err
	}
	promptsOnly, err := ContractHash(MergedCatalog{Prompts: m.Prompts})
	if err != nil {
		return SurfaceHashes{}, err
	}
	return SurfaceHashes{Tools: toolsOnly, Resources: resOnly, Prompts: promptsOnly}, nil
}
