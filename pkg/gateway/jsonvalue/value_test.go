package jsonvalue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	src := []byte(`{"b":2,"a":[1,2.5,"x",null,true],"c":{"nested":"v"}}`)
	v, err := Parse(src)
	require.NoError(t, err)

	require.Equal(t, []string{"b", "a", "c"}, v.Keys())

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, string(src), string(out))
}

func TestCanonicalSortsKeysRegardlessOfInsertionOrder(t *testing.T) {
	a, err := Parse([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"a":2,"b":1}`))
	require.NoError(t, err)

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
}

func TestCloneIsDeepAndIndependent(t *testing.T) {
	orig := NewObject().WithSet("arr", Array(Number(1), Number(2)))
	clone := orig.Clone()
	clone = clone.WithSet("arr", Array(Number(9)))

	origArr, _ := orig.Get("arr")
	items, _ := origArr.Array()
	require.Len(t, items, 2, "mutating the clone must not affect the original")
}

func TestWithDeletedRemovesKeyAndPreservesOrderOfRemainder(t *testing.T) {
	obj := NewObject().WithSet("a", Number(1)).WithSet("b", Number(2)).WithSet("c", Number(3))
	obj = obj.WithDeleted("b")
	require.Equal(t, []string{"a", "c"}, obj.Keys())
}

func TestEqualIsOrderInsensitiveForObjects(t *testing.T) {
	a, _ := Parse([]byte(`{"x":1,"y":2}`))
	b, _ := Parse([]byte(`{"y":2,"x":1}`))
	require.True(t, Equal(a, b))
}
