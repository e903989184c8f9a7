package toolsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

// openapiTool is one MCP tool derived from an OpenAPI operation.
type openapiTool struct {
	name        string
	description string
	method      string
	path        string
	pathParams  []string
	queryParams []string
	headerParams []string
	hasBody     bool
	inputSchema jsonvalue.Value
}

// OpenAPIToolSource derives one tool per OpenAPI operation and executes
// calls against the document's server URL, grounded on
// original_source/crates/openapi-tools's OpenApiToolSource.
type OpenAPIToolSource struct {
	id      string
	baseURL string
	tools   map[string]openapiTool
	order   []string
	client  *http.Client
	safety  OutboundSafety
	timeout time.Duration
}

// NewOpenAPIToolSource parses doc (already loaded and validated by the
// caller via kin-openapi's loader) into a flat tool catalog, one tool per
// operation, named by operationId when present and "{method}_{path}"
// otherwise.
func NewOpenAPIToolSource(id, baseURL string, doc *openapi3.T, defaultTimeout time.Duration, safety OutboundSafety) (*OpenAPIToolSource, error) {
	s := &OpenAPIToolSource{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		tools:   map[string]openapiTool{},
		client:  &http.Client{},
		safety:  safety,
		timeout: defaultTimeout,
	}

	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			tool, err := buildOpenAPITool(method, path, op)
			if err != nil {
				return nil, fmt.Errorf("toolsource: building tool for %s %s: %w", method, path, err)
			}
			if _, exists := s.tools[tool.name]; exists {
				tool.name = fmt.Sprintf("%s_%s", strings.ToLower(method), sanitizeName(path))
			}
			s.tools[tool.name] = tool
			s.order = append(s.order, tool.name)
		}
	}
	return s, nil
}

func buildOpenAPITool(method, path string, op *openapi3.Operation) (openapiTool, error) {
	name := op.OperationID
	if name == "" {
		name = fmt.Sprintf("%s_%s", strings.ToLower(method), sanitizeName(path))
	}

	properties := jsonvalue.NewObject()
	var required []jsonvalue.Value
	var pathParams, queryParams, headerParams []string

	for _, paramRef := range op.Parameters {
		if paramRef == nil || paramRef.Value == nil {
			continue
		}
		p := paramRef.Value
		schema := jsonvalue.NewObject().WithSet("type", jsonvalue.String("string"))
		if p.Description != "" {
			schema = schema.WithSet("description", jsonvalue.String(p.Description))
		}
		properties = properties.WithSet(p.Name, schema)
		if p.Required {
			required = append(required, jsonvalue.String(p.Name))
		}
		switch p.In {
		case openapi3.ParameterInPath:
			pathParams = append(pathParams, p.Name)
		case openapi3.ParameterInQuery:
			queryParams = append(queryParams, p.Name)
		case openapi3.ParameterInHeader:
			headerParams = append(headerParams, p.Name)
		}
	}

	hasBody := op.RequestBody != nil
	if hasBody {
		properties = properties.WithSet("body", jsonvalue.NewObject().WithSet("description", jsonvalue.String("request body")))
	}

	schema := jsonvalue.NewObject().
		WithSet("type", jsonvalue.String("object")).
		WithSet("properties", properties)
	if len(required) > 0 {
		schema = schema.WithSet("required", jsonvalue.Array(required...))
	}

	return openapiTool{
		name:         name,
		description:  op.Summary,
		method:       strings.ToUpper(method),
		path:         path,
		pathParams:   pathParams,
		queryParams:  queryParams,
		headerParams: headerParams,
		hasBody:      hasBody,
		inputSchema:  schema,
	}, nil
}

func sanitizeName(path string) string {
	s := strings.Trim(path, "/")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "{", "")
	s = strings.ReplaceAll(s, "}", "")
	if s == "" {
		return "root"
	}
	return s
}

func (s *OpenAPIToolSource) ID() string { return s.id }

func (s *OpenAPIToolSource) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		out = append(out, ToolDescriptor{Name: t.name, Description: t.description, InputSchema: t.inputSchema})
	}
	return out, nil
}

func (s *OpenAPIToolSource) CallTool(ctx context.Context, name string, args jsonvalue.Value) (CallResult, error) {
	t, ok := s.tools[name]
	if !ok {
		return CallResult{}, fmt.Errorf("toolsource: unknown tool %q on source %q", name, s.id)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	path := t.path
	for _, p := range t.pathParams {
		if v, ok := args.Get(p); ok {
			path = strings.ReplaceAll(path, "{"+p+"}", valueToQueryString(v))
		}
	}

	u, err := url.Parse(s.baseURL + path)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: building URL for tool %q: %w", name, err)
	}
	q := u.Query()
	for _, p := range t.queryParams {
		if v, ok := args.Get(p); ok {
			q.Set(p, valueToQueryString(v))
		}
	}
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if t.hasBody {
		if body, ok := args.Get("body"); ok {
			encoded, err := body.MarshalJSON()
			if err != nil {
				return CallResult{}, fmt.Errorf("toolsource: encoding body for tool %q: %w", name, err)
			}
			bodyReader = strings.NewReader(string(encoded))
		}
	}

	req, err := http.NewRequestWithContext(callCtx, t.method, u.String(), bodyReader)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: building request for tool %q: %w", name, err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range t.headerParams {
		if v, ok := args.Get(h); ok {
			req.Header.Set(h, valueToQueryString(v))
		}
	}

	if err := s.safety.CheckURL(req.URL); err != nil {
		return CallResult{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: request to %q failed: %w", RedactURL(req.URL), err)
	}
	defer resp.Body.Close()

	var bodyR io.Reader = resp.Body
	if s.safety.MaxResponseBytes > 0 {
		bodyR = io.LimitReader(resp.Body, s.safety.MaxResponseBytes+1)
	}
	respBody, err := io.ReadAll(bodyR)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: reading response from %q: %w", RedactURL(req.URL), err)
	}
	if resp.StatusCode >= 500 {
		return CallResult{}, fmt.Errorf("toolsource: upstream_5xx: %s returned %d", RedactURL(req.URL), resp.StatusCode)
	}

	return CallResult{Content: []Content{wrapHTTPBody(resp.Header.Get("Content-Type"), respBody)}, IsError: resp.StatusCode >= 400}, nil
}
