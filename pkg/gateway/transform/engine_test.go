package transform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unrelated/mcp-gateway/pkg/gateway/gwerrors"
	"github.com/unrelated/mcp-gateway/pkg/gateway/jsonvalue"
)

func boolPtr(b bool) *bool { return &b }

func TestRenameAndDefaultScenario(t *testing.T) {
	// End-to-end scenario 1 from spec §8: search(q,limit) renamed to
	// find(query,limit) with limit defaulted to 10.
	engine := New(map[string]ToolOverride{
		"search": {
			Rename: "find",
			Params: map[string]ParamOverride{
				"q":     {Rename: "query"},
				"limit": {Default: jsonvalue.Number(10), HasDefault: true},
			},
		},
	})

	inputSchema := jsonvalue.NewObject().WithSet("properties",
		jsonvalue.NewObject().
			WithSet("q", jsonvalue.NewObject()).
			WithSet("limit", jsonvalue.NewObject()))

	advertised := engine.Advertise("search", "", inputSchema)
	require.Equal(t, "find", advertised.Name)
	props, _ := advertised.InputSchema.Get("properties")
	require.ElementsMatch(t, []string{"query", "limit"}, props.Keys())

	callArgs := jsonvalue.NewObject().WithSet("query", jsonvalue.String("foo"))
	reversed, err := engine.ReverseCall("search", callArgs)
	require.NoError(t, err)

	q, ok := reversed.Get("q")
	require.True(t, ok)
	s, _ := q.StringValue()
	require.Equal(t, "foo", s)

	limit, ok := reversed.Get("limit")
	require.True(t, ok)
	f, _ := limit.Float64()
	require.Equal(t, float64(10), f)
}

func TestVisibleFalseRemovesParamFromAdvertisedSchema(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{"secret": {Visible: boolPtr(false)}}},
	})
	schema := jsonvalue.NewObject().WithSet("properties",
		jsonvalue.NewObject().WithSet("secret", jsonvalue.NewObject()).WithSet("visible_one", jsonvalue.NewObject()))

	advertised := engine.Advertise("t", "", schema)
	props, _ := advertised.InputSchema.Get("properties")
	require.NotContains(t, props.Keys(), "secret")
	require.Contains(t, props.Keys(), "visible_one")
}

func TestTreatNullAsMissingDropsNullValue(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{"x": {TreatNullAsMissing: true}}},
	})
	reversed, err := engine.ReverseCall("t", jsonvalue.NewObject().WithSet("x", jsonvalue.Null()))
	require.NoError(t, err)
	_, ok := reversed.Get("x")
	require.False(t, ok)
}

func TestTreatNullAsMissingFallsThroughToDefault(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{
			"x": {TreatNullAsMissing: true, Default: jsonvalue.String("d"), HasDefault: true},
		}},
	})
	reversed, err := engine.ReverseCall("t", jsonvalue.NewObject().WithSet("x", jsonvalue.Null()))
	require.NoError(t, err)
	v, ok := reversed.Get("x")
	require.True(t, ok)
	s, _ := v.StringValue()
	require.Equal(t, "d", s)
}

func TestHiddenParamWithNonNullValueIsRejected(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{"secret": {Visible: boolPtr(false)}}},
	})
	_, err := engine.ReverseCall("t", jsonvalue.NewObject().WithSet("secret", jsonvalue.String("leak")))
	require.Error(t, err)
	require.Equal(t, gwerrors.KindInvalidArgument, gwerrors.KindOf(err))
}

func TestHiddenParamWithNullValueFallsThroughToDefaultWhenTreatNullAsMissing(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{
			"secret": {Visible: boolPtr(false), TreatNullAsMissing: true, Default: jsonvalue.String("d"), HasDefault: true},
		}},
	})
	reversed, err := engine.ReverseCall("t", jsonvalue.NewObject().WithSet("secret", jsonvalue.Null()))
	require.NoError(t, err)
	v, ok := reversed.Get("secret")
	require.True(t, ok)
	s, _ := v.StringValue()
	require.Equal(t, "d", s)
}

func TestHiddenParamWithNullValueWithoutTreatNullAsMissingIsRejected(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{"secret": {Visible: boolPtr(false)}}},
	})
	_, err := engine.ReverseCall("t", jsonvalue.NewObject().WithSet("secret", jsonvalue.Null()))
	require.Error(t, err)
	require.Equal(t, gwerrors.KindInvalidArgument, gwerrors.KindOf(err))
}

func TestHiddenParamReceivesDefaultWhenAbsent(t *testing.T) {
	engine := New(map[string]ToolOverride{
		"t": {Params: map[string]ParamOverride{
			"hidden": {Visible: boolPtr(false), Default: jsonvalue.String("d"), HasDefault: true},
		}},
	})
	reversed, err := engine.ReverseCall("t", jsonvalue.NewObject())
	require.NoError(t, err)
	v, ok := reversed.Get("hidden")
	require.True(t, ok)
	s, _ := v.StringValue()
	require.Equal(t, "d", s)
}

func TestNoOverrideIsIdentityOnCallSide(t *testing.T) {
	engine := New(nil)
	args := jsonvalue.NewObject().WithSet("a", jsonvalue.Number(1))
	reversed, err := engine.ReverseCall("untouched", args)
	require.NoError(t, err)
	require.True(t, jsonvalue.Equal(args, reversed))
}
