package toolsource

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

// HTTPToolDef is one entry of the gateway's small HTTP tool DSL: a single
// named tool that issues one HTTP request, with {param} placeholders in
// Path and BodyTemplate substituted from call arguments; QueryParams and
// HeaderParams name arguments whose values are sent as query parameters
// and headers of the same name.
type HTTPToolDef struct {
	Name         string
	Description  string
	Method       string
	BaseURL      string
	Path         string // may contain "{param}" placeholders
	QueryParams  []string
	HeaderParams []string
	BodyTemplate jsonvalue.Value // object with "{param}" string placeholders, or zero Value for no body
	InputSchema  jsonvalue.Value
	TimeoutOverride time.Duration // 0 = use source default
}

// HTTPToolSource executes HTTPToolDef-described tools against a single
// origin, applying an OutboundSafety policy to every request.
type HTTPToolSource struct {
	id      string
	tools   map[string]HTTPToolDef
	order   []string
	client  *http.Client
	safety  OutboundSafety
	timeout time.Duration
}

// NewHTTPToolSource builds a source from a fixed set of tool definitions.
func NewHTTPToolSource(id string, defs []HTTPToolDef, defaultTimeout time.Duration, safety OutboundSafety) *HTTPToolSource {
	tools := make(map[string]HTTPToolDef, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		tools[d.Name] = d
		order = append(order, d.Name)
	}
	return &HTTPToolSource{
		id:      id,
		tools:   tools,
		order:   order,
		client:  &http.Client{},
		safety:  safety,
		timeout: defaultTimeout,
	}
}

func (s *HTTPToolSource) ID() string { return s.id }

func (s *HTTPToolSource) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		d := s.tools[name]
		out = append(out, ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out, nil
}

func (s *HTTPToolSource) CallTool(ctx context.Context, name string, args jsonvalue.Value) (CallResult, error) {
	def, ok := s.tools[name]
	if !ok {
		return CallResult{}, fmt.Errorf("toolsource: unknown tool %q on source %q", name, s.id)
	}

	timeout := s.timeout
	if def.TimeoutOverride > 0 {
		timeout = def.TimeoutOverride
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := s.buildRequest(callCtx, def, args)
	if err != nil {
		return CallResult{}, err
	}

	if err := s.safety.CheckURL(req.URL); err != nil {
		return CallResult{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: request to %q failed: %w", RedactURL(req.URL), err)
	}
	defer resp.Body.Close()

	var bodyReader io.Reader = resp.Body
	if s.safety.MaxResponseBytes > 0 {
		bodyReader = io.LimitReader(resp.Body, s.safety.MaxResponseBytes+1)
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		return CallResult{}, fmt.Errorf("toolsource: reading response from %q: %w", RedactURL(req.URL), err)
	}
	if s.safety.MaxResponseBytes > 0 && int64(len(body)) > s.safety.MaxResponseBytes {
		return CallResult{}, fmt.Errorf("toolsource: response from %q exceeded %d bytes", RedactURL(req.URL), s.safety.MaxResponseBytes)
	}

	if resp.StatusCode >= 500 {
		return CallResult{}, fmt.Errorf("toolsource: upstream_5xx: %s returned %d", RedactURL(req.URL), resp.StatusCode)
	}

	return CallResult{Content: []Content{wrapHTTPBody(resp.Header.Get("Content-Type"), body)}, IsError: resp.StatusCode >= 400}, nil
}

func (s *HTTPToolSource) buildRequest(ctx context.Context, def HTTPToolDef, args jsonvalue.Value) (*http.Request, error) {
	path := substitutePlaceholders(def.Path, args)
	full := strings.TrimRight(def.BaseURL, "/") + path

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("toolsource: building URL for tool %q: %w", def.Name, err)
	}

	q := u.Query()
	for _, param := range def.QueryParams {
		if v, ok := args.Get(param); ok {
			q.Set(param, valueToQueryString(v))
		}
	}
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if !def.BodyTemplate.IsNull() {
		body := substituteJSONPlaceholders(def.BodyTemplate, args)
		encoded, err := body.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("toolsource: encoding body for tool %q: %w", def.Name, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(def.Method), u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("toolsource: building request for tool %q: %w", def.Name, err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, header := range def.HeaderParams {
		if v, ok := args.Get(header); ok {
			req.Header.Set(header, valueToQueryString(v))
		}
	}
	return req, nil
}

func substitutePlaceholders(tmpl string, args jsonvalue.Value) string {
	out := tmpl
	for _, key := range args.Keys() {
		v, _ := args.Get(key)
		out = strings.ReplaceAll(out, "{"+key+"}", valueToQueryString(v))
	}
	return out
}

func substituteJSONPlaceholders(tmpl jsonvalue.Value, args jsonvalue.Value) jsonvalue.Value {
	switch tmpl.Kind() {
	case jsonvalue.KindString:
		s, _ := tmpl.StringValue()
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			key := s[1 : len(s)-1]
			if v, ok := args.Get(key); ok {
				return v
			}
		}
		return tmpl
	case jsonvalue.KindObject:
		out := jsonvalue.NewObject()
		for _, k := range tmpl.Keys() {
			v, _ := tmpl.Get(k)
			out = out.WithSet(k, substituteJSONPlaceholders(v, args))
		}
		return out
	case jsonvalue.KindArray:
		items, _ := tmpl.Array()
		resolved := make([]jsonvalue.Value, len(items))
		for i, item := range items {
			resolved[i] = substituteJSONPlaceholders(item, args)
		}
		return jsonvalue.Array(resolved...)
	default:
		return tmpl
	}
}

func valueToQueryString(v jsonvalue.Value) string {
	if s, ok := v.StringValue(); ok {
		return s
	}
	if f, ok := v.Float64(); ok {
		return fmt.Sprintf("%v", f)
	}
	if b, ok := v.BoolValue(); ok {
		if b {
			return "true"
		}
		return "false"
	}
	return ""
}

// wrapHTTPBody implements spec §4.2's "an upstream non-UTF8 non-image body
// is wrapped as a base64 JSON value (never a decode failure)".
func wrapHTTPBody(contentType string, body []byte) Content {
	if strings.HasPrefix(contentType, "image/") {
		return Content{Kind: ContentImage, ImageMime: contentType, ImageB64: base64.StdEncoding.EncodeToString(body)}
	}
	if strings.HasPrefix(contentType, "application/json") {
		if v, err := jsonvalue.Parse(body); err == nil {
			return Content{Kind: ContentStructured, Structured: v}
		}
	}
	if utf8.Valid(body) {
		return Content{Kind: ContentText, Text: string(body)}
	}
	return Content{Kind: ContentStructured, Structured: jsonvalue.NewObject().
		WithSet("base64", jsonvalue.String(base64.StdEncoding.EncodeToString(body))).
		WithSet("contentType", jsonvalue.String(contentType))}
}
