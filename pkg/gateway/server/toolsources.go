package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

// staticRegistry is the session.ToolSourceRegistry built once per profile
// mount from that profile's config.ToolSourceConfig entries (spec §3/§4.2);
// every session of the profile shares it, mirroring how ProfileSupervisor
// shares UpstreamClients.
type staticRegistry map[string]toolsource.Source

func (r staticRegistry) Get(sourceID string) (toolsource.Source, bool) {
	s, ok := r[sourceID]
	return s, ok
}

// httpToolSourceSpec is the kind:"http" ToolSourceConfig.Spec shape: a
// fixed list of single-request tool definitions.
type httpToolSourceSpec struct {
	Tools []httpToolDefSpec `json:"tools"`
}

type httpToolDefSpec struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Method              string          `json:"method"`
	BaseURL             string          `json:"baseUrl"`
	Path                string          `json:"path"`
	QueryParams         []string        `json:"queryParams,omitempty"`
	HeaderParams        []string        `json:"headerParams,omitempty"`
	BodyTemplate        jsonvalue.Value `json:"bodyTemplate,omitempty"`
	InputSchema         jsonvalue.Value `json:"inputSchema,omitempty"`
	TimeoutOverrideSecs float64         `json:"timeoutOverrideSecs,omitempty"`
}

// openAPIToolSourceSpec is the kind:"openapi" ToolSourceConfig.Spec shape:
// an inline OpenAPI document plus the base URL to execute calls against.
type openAPIToolSourceSpec struct {
	BaseURL  string          `json:"baseUrl"`
	Document json.RawMessage `json:"document"`
}

// buildToolSourceRegistry constructs one toolsource.Source per entry of
// sources, keyed by its configured id, applying safety and defaultTimeout
// to every one of them.
func buildToolSourceRegistry(sources []config.ToolSourceConfig, safety toolsource.OutboundSafety, defaultTimeout time.Duration) (staticRegistry, error) {
	reg := make(staticRegistry, len(sources))
	for _, sc := range sources {
		src, err := buildToolSource(sc, safety, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("server: tool source %q: %w", sc.ID, err)
		}
		reg[sc.ID] = src
	}
	return reg, nil
}

func buildToolSource(sc config.ToolSourceConfig, safety toolsource.OutboundSafety, defaultTimeout time.Duration) (toolsource.Source, error) {
	switch sc.Kind {
	case "http":
		var spec httpToolSourceSpec
		if len(sc.Spec) > 0 {
			if err := json.Unmarshal(sc.Spec, &spec); err != nil {
				return nil, fmt.Errorf("invalid http spec: %w", err)
			}
		}
		defs := make([]toolsource.HTTPToolDef, 0, len(spec.Tools))
		for _, t := range spec.Tools {
			defs = append(defs, toolsource.HTTPToolDef{
				Name:            t.Name,
				Description:     t.Description,
				Method:          t.Method,
				BaseURL:         t.BaseURL,
				Path:            t.Path,
				QueryParams:     t.QueryParams,
				HeaderParams:    t.HeaderParams,
				BodyTemplate:    t.BodyTemplate,
				InputSchema:     t.InputSchema,
				TimeoutOverride: time.Duration(t.TimeoutOverrideSecs * float64(time.Second)),
			})
		}
		return toolsource.NewHTTPToolSource(sc.ID, defs, defaultTimeout, safety), nil

	case "openapi":
		var spec openAPIToolSourceSpec
		if err := json.Unmarshal(sc.Spec, &spec); err != nil {
			return nil, fmt.Errorf("invalid openapi spec: %w", err)
		}
		doc, err := openapi3.NewLoader().LoadFromData(spec.Document)
		if err != nil {
			return nil, fmt.Errorf("parsing openapi document: %w", err)
		}
		return toolsource.NewOpenAPIToolSource(sc.ID, spec.BaseURL, doc, defaultTimeout, safety)

	default:
		return nil, fmt.Errorf("unknown tool source kind %q", sc.Kind)
	}
}
