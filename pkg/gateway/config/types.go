// Package config is the gateway's configuration model: the Profile,
// Upstream, ToolSource and policy types of spec §3, plus the Duration
// wrapper and ConfigStore contract of spec §6. Platform-specific loaders
// (YAML file, future admin API) adapt into this model.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals/unmarshals as a duration string ("30s", "2m") rather
// than a nanosecond integer, matching pkg/vmcp/config.Config's Duration.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) AsTimeDuration() time.Duration { return time.Duration(d) }

// RetryPolicy is one ToolPolicy's {maximumAttempts, initialIntervalMs,
// backoffCoefficient, maximumIntervalMs, nonRetryableErrorTypes} (spec §4.6).
type RetryPolicy struct {
	MaximumAttempts        int      `json:"maximumAttempts" yaml:"maximumAttempts" validate:"min=1"`
	InitialIntervalMs      int64    `json:"initialIntervalMs" yaml:"initialIntervalMs" validate:"min=0"`
	BackoffCoefficient     float64  `json:"backoffCoefficient" yaml:"backoffCoefficient" validate:"min=1"`
	MaximumIntervalMs      int64    `json:"maximumIntervalMs" yaml:"maximumIntervalMs" validate:"min=0"`
	NonRetryableErrorTypes []string `json:"nonRetryableErrorTypes,omitempty" yaml:"nonRetryableErrorTypes,omitempty"`
}

// ToolPolicy binds a RetryPolicy and per-call timeout to a tool addressed
// as "{sourceId}:{originalName}", per the original_source's tool_policy.rs
// addressing scheme (SPEC_FULL §12).
type ToolPolicy struct {
	ToolKey    string      `json:"toolKey" yaml:"toolKey" validate:"required"`
	TimeoutSecs int        `json:"timeoutSecs,omitempty" yaml:"timeoutSecs,omitempty"`
	Retry      RetryPolicy `json:"retry" yaml:"retry"`
}

// EndpointAuthConfig is one endpoint's configured outgoing auth.
type EndpointAuthConfig struct {
	Kind        string `json:"kind" yaml:"kind" validate:"omitempty,oneof=none bearer basic header query"`
	Token       string `json:"token,omitempty" yaml:"token,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	HeaderName  string `json:"headerName,omitempty" yaml:"headerName,omitempty"`
	HeaderValue string `json:"headerValue,omitempty" yaml:"headerValue,omitempty"`
}

// EndpointConfig is one of an upstream's configured connection targets.
type EndpointConfig struct {
	ID   string               `json:"id" yaml:"id" validate:"required"`
	URL  string               `json:"url" yaml:"url" validate:"required,url"`
	Auth *EndpointAuthConfig  `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// UpstreamOverride is one profile's
// mcp.security.upstreamOverrides[*] entry (spec §3).
type UpstreamOverride struct {
	UpstreamID             string   `json:"upstreamId" yaml:"upstreamId" validate:"required"`
	ClientCapabilitiesMode string   `json:"clientCapabilitiesMode,omitempty" yaml:"clientCapabilitiesMode,omitempty" validate:"omitempty,oneof=forward_all allowlist deny_all"`
	ClientCapabilitiesAllow []string `json:"clientCapabilitiesAllow,omitempty" yaml:"clientCapabilitiesAllow,omitempty"`
	RewriteClientInfoName  string   `json:"rewriteClientInfoName,omitempty" yaml:"rewriteClientInfoName,omitempty"`
	RewriteClientInfoVersion string `json:"rewriteClientInfoVersion,omitempty" yaml:"rewriteClientInfoVersion,omitempty"`
	ServerRequestsAllow    []string `json:"serverRequestsAllow,omitempty" yaml:"serverRequestsAllow,omitempty"`
}

// SecurityConfig is the profile's mcp.security sub-record.
type SecurityConfig struct {
	SignedProxiedRequestIDs bool               `json:"signedProxiedRequestIds" yaml:"signedProxiedRequestIds"`
	UpstreamDefault         string             `json:"upstreamDefault,omitempty" yaml:"upstreamDefault,omitempty" validate:"omitempty,oneof=forward_all allowlist deny_all"`
	UpstreamOverrides       []UpstreamOverride `json:"upstreamOverrides,omitempty" yaml:"upstreamOverrides,omitempty"`
}

// NamespacingConfig is the profile's mcp.namespacing sub-record.
type NamespacingConfig struct {
	RequestID  string `json:"requestId,omitempty" yaml:"requestId,omitempty" validate:"omitempty,oneof=opaque readable"`
	SSEEventID string `json:"sseEventId,omitempty" yaml:"sseEventId,omitempty" validate:"omitempty,oneof=upstream-slash none"`
}

// McpConfig is the profile's mcp sub-record: capability/notification
// filtering and the namespacing/security policy (spec §3).
type McpConfig struct {
	CapabilitiesAllow   []string          `json:"capabilitiesAllow,omitempty" yaml:"capabilitiesAllow,omitempty"`
	CapabilitiesDeny    []string          `json:"capabilitiesDeny,omitempty" yaml:"capabilitiesDeny,omitempty"`
	NotificationsAllow  []string          `json:"notificationsAllow,omitempty" yaml:"notificationsAllow,omitempty"`
	NotificationsDeny   []string          `json:"notificationsDeny,omitempty" yaml:"notificationsDeny,omitempty"`
	Namespacing         NamespacingConfig `json:"namespacing" yaml:"namespacing"`
	Security            SecurityConfig    `json:"security" yaml:"security"`
}

// UpstreamConfig is {id, endpoints[]} per spec §3.
type UpstreamConfig struct {
	ID        string           `json:"id" yaml:"id" validate:"required"`
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints" validate:"required,min=1,dive"`
}

// ToolSourceConfig is {id, kind, spec} per spec §3/§4.2; spec is opaque
// JSON interpreted by the http/openapi ToolSource constructors.
type ToolSourceConfig struct {
	ID   string          `json:"id" yaml:"id" validate:"required"`
	Kind string          `json:"kind" yaml:"kind" validate:"required,oneof=http openapi"`
	Spec json.RawMessage `json:"spec" yaml:"spec"`
}

// ParamOverrideConfig mirrors transform.ParamOverride's shape for YAML/JSON.
type ParamOverrideConfig struct {
	Rename             string          `json:"rename,omitempty" yaml:"rename,omitempty"`
	Default            json.RawMessage `json:"default,omitempty" yaml:"default,omitempty"`
	Visible            *bool           `json:"visible,omitempty" yaml:"visible,omitempty"`
	TreatNullAsMissing bool            `json:"treatNullAsMissing,omitempty" yaml:"treatNullAsMissing,omitempty"`
}

// ToolOverrideConfig mirrors transform.ToolOverride's shape for YAML/JSON.
type ToolOverrideConfig struct {
	Rename      string                         `json:"rename,omitempty" yaml:"rename,omitempty"`
	Description string                         `json:"description,omitempty" yaml:"description,omitempty"`
	Params      map[string]ParamOverrideConfig `json:"params,omitempty" yaml:"params,omitempty"`
}

// LimitsConfig is the profile's rate/quota policy consumed by C7 Limiter.
type LimitsConfig struct {
	RateLimitPerMinute int64 `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`
	HasQuota           bool  `json:"hasQuota,omitempty" yaml:"hasQuota,omitempty"`
	QuotaLimit         int64 `json:"quotaLimit,omitempty" yaml:"quotaLimit,omitempty"`
	FailOpen           bool  `json:"failOpen,omitempty" yaml:"failOpen,omitempty"`
}

// Profile is the immutable per-session snapshot of spec §3.
type Profile struct {
	ID                    string                         `json:"id" yaml:"id" validate:"required"`
	TenantID              string                         `json:"tenantId" yaml:"tenantId" validate:"required"`
	Upstreams             []UpstreamConfig               `json:"upstreams,omitempty" yaml:"upstreams,omitempty" validate:"dive"`
	ToolSources           []ToolSourceConfig             `json:"toolSources,omitempty" yaml:"toolSources,omitempty" validate:"dive"`
	Allowlist             []string                       `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Transforms            map[string]ToolOverrideConfig  `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	AllowPartialUpstreams bool                           `json:"allowPartialUpstreams" yaml:"allowPartialUpstreams"`
	ToolCallTimeoutSecs   int                            `json:"toolCallTimeoutSecs,omitempty" yaml:"toolCallTimeoutSecs,omitempty"`
	ToolPolicies          []ToolPolicy                   `json:"toolPolicies,omitempty" yaml:"toolPolicies,omitempty"`
	Limits                *LimitsConfig                  `json:"limits,omitempty" yaml:"limits,omitempty"`
	MCP                   McpConfig                      `json:"mcp" yaml:"mcp"`
	IdleTeardown           Duration                      `json:"idleTeardown,omitempty" yaml:"idleTeardown,omitempty"`
}

// ConfigStore is the external control-plane collaborator of spec §6,
// narrowed to what the core needs: resolving a profile snapshot by id and
// observing subsequent changes.
type ConfigStore interface {
	GetProfile(id string) (*Profile, error)
	// Watch delivers the new snapshot each time profileId's configuration
	// changes; implementations may coalesce rapid updates.
	Watch(profileID string) (<-chan *Profile, func())
}
