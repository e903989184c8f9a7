// Package transform implements C5 TransformEngine: profile toolOverrides
// applied on advertise and reversed on call (spec §4.5).
package transform

import (
	"fmt"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

// ParamOverride is one entry of toolOverrides[name].params[origParamName].
type ParamOverride struct {
	Rename            string // empty = no rename
	Default           jsonvalue.Value
	HasDefault        bool
	Visible           *bool // nil = unspecified (visible)
	TreatNullAsMissing bool
}

// ToolOverride is one entry of profile.toolOverrides[originalName].
type ToolOverride struct {
	Rename      string
	Description string
	HasDescription bool
	Params      map[string]ParamOverride // keyed by original param name
}

// Engine applies a profile's full toolOverrides map.
type Engine struct {
	overrides map[string]ToolOverride // keyed by original tool name
}

func New(overrides map[string]ToolOverride) *Engine {
	if overrides == nil {
		overrides = map[string]ToolOverride{}
	}
	return &Engine{overrides: overrides}
}

// AdvertisedShape is the result of applying advertise-time transforms to
// one tool.
type AdvertisedShape struct {
	Name        string
	Description string
	InputSchema jsonvalue.Value
}

// Advertise computes the exposed tool shape: rename, description swap, and
// per-param rename; params with visible:false are removed from the
// advertised input schema (spec §4.5).
func (e *Engine) Advertise(originalName, description string, inputSchema jsonvalue.Value) AdvertisedShape {
	ov, ok := e.overrides[originalName]
	if !ok {
		return AdvertisedShape{Name: originalName, Description: description, InputSchema: inputSchema}
	}

	name := originalName
	if ov.Rename != "" {
		name = ov.Rename
	}
	desc := description
	if ov.HasDescription {
		desc = ov.Description
	}

	schema := inputSchema
	if props, ok := inputSchema.Get("properties"); ok && props.Kind() == jsonvalue.KindObject {
		newProps := jsonvalue.NewObject()
		for _, origParam := range props.Keys() {
			paramSchema, _ := props.Get(origParam)
			po, hasOverride := ov.Params[origParam]
			if hasOverride && po.Visible != nil && !*po.Visible {
				continue // removed from the advertised schema
			}
			exposedParam := origParam
			if hasOverride && po.Rename != "" {
				exposedParam = po.Rename
			}
			newProps = newProps.WithSet(exposedParam, paramSchema)
		}
		schema = schema.WithSet("properties", newProps)
		schema = renameRequired(schema, ov.Params)
	}

	return AdvertisedShape{Name: name, Description: desc, InputSchema: schema}
}

func renameRequired(schema jsonvalue.Value, params map[string]ParamOverride) jsonvalue.Value {
	req, ok := schema.Get("required")
	if !ok {
		return schema
	}
	items, ok := req.Array()
	if !ok {
		return schema
	}
	renamed := make([]jsonvalue.Value, 0, len(items))
	for _, item := range items {
		name, ok := item.StringValue()
		if !ok {
			renamed = append(renamed, item)
			continue
		}
		if po, has := params[name]; has {
			if po.Visible != nil && !*po.Visible {
				continue
			}
			if po.Rename != "" {
				renamed = append(renamed, jsonvalue.String(po.Rename))
				continue
			}
		}
		renamed = append(renamed, item)
	}
	return schema.WithSet("required", jsonvalue.Array(renamed...))
}

// ReverseCall reverses an exposed call {tool, args} back to its original
// shape: reverse param renames, apply treatNullAsMissing, inject
// configured defaults for missing or hidden params (spec §4.5).
func (e *Engine) ReverseCall(originalName string, args jsonvalue.Value) (jsonvalue.Value, error) {
	ov, ok := e.overrides[originalName]
	if !ok {
		return args, nil
	}
	if args.Kind() != jsonvalue.KindObject && !args.IsNull() {
		return jsonvalue.Value{}, gwerrors.New(gwerrors.KindInvalidArgument, "transform: call arguments must be an object")
	}
	if args.IsNull() {
		args = jsonvalue.NewObject()
	}

	out := jsonvalue.NewObject()
	seenOriginal := map[string]bool{}

	for _, exposedKey := range args.Keys() {
		val, _ := args.Get(exposedKey)
		originalKey, po := resolveOriginalParam(exposedKey, ov.Params)

		if po.TreatNullAsMissing && val.IsNull() {
			// Falls through to the default-injection pass below as if the
			// key had never been present.
			continue
		}
		if po.Visible != nil && !*po.Visible {
			// A hidden param's original (or renamed) key reaching the call
			// side at all defeats the hiding contract (spec §8); the only
			// sanctioned way to omit it is the null-drop above.
			return jsonvalue.Value{}, gwerrors.New(gwerrors.KindInvalidArgument, fmt.Sprintf("transform: %q is a hidden parameter and must not be set", exposedKey))
		}
		seenOriginal[originalKey] = true
		out = out.WithSet(originalKey, val)
	}

	for origParam, po := range ov.Params {
		if seenOriginal[origParam] {
			continue
		}
		if po.HasDefault {
			out = out.WithSet(origParam, po.Default.Clone())
		}
	}

	return out, nil
}

func resolveOriginalParam(exposedKey string, params map[string]ParamOverride) (string, ParamOverride) {
	for orig, po := range params {
		if po.Rename != "" && po.Rename == exposedKey {
			return orig, po
		}
	}
	if po, ok := params[exposedKey]; ok {
		return exposedKey, po
	}
	return exposedKey, ParamOverride{}
}

// ResolveToolName maps an advertised (possibly renamed) name back to the
// original tool name, given the profile's toolOverrides map.
func ResolveToolName(overrides map[string]ToolOverride, advertisedName string) string {
	for orig, ov := range overrides {
		if ov.Rename != "" && ov.Rename == advertisedName {
			return orig
		}
	}
	return advertisedName
}

// ValidateDefault enforces spec §4.5's "default must be a parseable JSON
// value" at profile-save time, not call time.
func ValidateDefault(raw []byte) (jsonvalue.Value, error) {
	v, err := jsonvalue.Parse(raw)
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("transform: invalid default value: %w", err)
	}
	return v, nil
}
