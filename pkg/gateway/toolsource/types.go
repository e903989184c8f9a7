// Package toolsource implements C2: gateway-local tool executors derived
// from a small HTTP DSL or an OpenAPI specification (spec §4.2).
package toolsource

import (
	"context"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

// ContentKind tags which variant of Content is populated.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
	ContentStructured
)

// Content is the result of one tool call, matching spec §4.2's
// {text, image{mime,b64}, structured{body}} union.
type Content struct {
	Kind       ContentKind
	Text       string
	ImageMime  string
	ImageB64   string
	Structured jsonvalue.Value
}

// CallResult is the full ToolSource.call_tool return value.
type CallResult struct {
	Content []Content
	IsError bool
}

// ToolDescriptor mirrors spec §4.2's list_tools entry shape.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  jsonvalue.Value
	OutputSchema jsonvalue.Value // zero Value (IsNull) if absent
}

// Source is the capability interface every local tool executor implements.
// Per spec §9 ("no deep inheritance"), implementations are tagged variants
// rather than subclasses of a shared base.
type Source interface {
	// ID is the stable toolSources[].id this source was configured under.
	ID() string
	// ListTools is pure and may be cached by the caller.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool executes one call. ctx cancellation must abort in-flight
	// network IO; the caller guarantees no further use of CallResult once
	// ctx is done and an error has been returned.
	CallTool(ctx context.Context, name string, args jsonvalue.Value) (CallResult, error)
}
