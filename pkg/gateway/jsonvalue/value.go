// Package jsonvalue implements a dynamic JSON sum type used for tool
// arguments, transform defaults, and upstream payloads throughout the
// gateway, plus the canonical serialization the IdCodec and CatalogBuilder
// rely on for deterministic digests.
package jsonvalue

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a dynamic JSON value: exactly one of its fields is meaningful,
// selected by Kind. Object preserves insertion order so re-marshaling a
// value parsed from the wire round-trips key order for non-canonical
// output; canonical output (Canonical) always sorts keys regardless.
type Value struct {
	kind   Kind
	b      bool
	num    string // decimal text form, preserved verbatim from the source
	str    string
	arr    []Value
	objKey []string
	objVal map[string]Value
}

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func String(s string) Value { return Value{kind: KindString, str: s} }

// Number constructs a numeric value from an int64; for arbitrary decimal
// text (as parsed off the wire) use NumberRaw.
func Number(n int64) Value { return Value{kind: KindNumber, num: strconv.FormatInt(n, 10)} }

func Float(f float64) Value { return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)} }

// NumberRaw wraps a pre-formatted decimal literal, used when decoding JSON
// so the original text form (and therefore round-trip equality) survives
// until re-encoding.
func NumberRaw(text string) Value { return Value{kind: KindNumber, num: text} }

func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// NewObject returns an empty, order-preserving object.
func NewObject() Value {
	return Value{kind: KindObject, objVal: map[string]Value{}}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) BoolValue() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) StringValue() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.num, 64)
	return f, err == nil
}

func (v Value) Array() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// Get looks up a key on an object value. Returns the zero Value and false
// if v is not an object or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	val, ok := v.objVal[key]
	return val, ok
}

// Keys returns an object's keys in insertion order. Nil for non-objects.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	out := make([]string, len(v.objKey))
	copy(out, v.objKey)
	return out
}

// WithSet returns a copy of the object with key set to val, preserving the
// position of an existing key or appending a new one. v must be an object.
func (v Value) WithSet(key string, val Value) Value {
	out := v.cloneObject()
	if _, exists := out.objVal[key]; !exists {
		out.objKey = append(out.objKey, key)
	}
	out.objVal[key] = val
	return out
}

// WithDeleted returns a copy of the object with key removed, a no-op if
// absent. v must be an object.
func (v Value) WithDeleted(key string) Value {
	out := v.cloneObject()
	if _, exists := out.objVal[key]; !exists {
		return out
	}
	delete(out.objVal, key)
	for i, k := range out.objKey {
		if k == key {
			out.objKey = append(out.objKey[:i], out.objKey[i+1:]...)
			break
		}
	}
	return out
}

func (v Value) cloneObject() Value {
	if v.kind != KindObject {
		return Value{kind: KindObject, objVal: map[string]Value{}}
	}
	keys := make([]string, len(v.objKey))
	copy(keys, v.objKey)
	vals := make(map[string]Value, len(v.objVal))
	for k, val := range v.objVal {
		vals[k] = val
	}
	return Value{kind: KindObject, objKey: keys, objVal: vals}
}

// Clone returns a deep copy of v, used when injecting transform defaults so
// the configured default is never mutated by a caller holding a reference
// to the result.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: items}
	case KindObject:
		out := v.cloneObject()
		for k, val := range out.objVal {
			out.objVal[k] = val.Clone()
		}
		return out
	default:
		return v
	}
}

// Equal reports deep, order-insensitive-for-objects structural equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.str == b.str
	case KindNumber:
		af, aok := a.Float64()
		bf, bok := b.Float64()
		return aok && bok && af == bf
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.objKey) != len(b.objKey) {
			return false
		}
		for k, av := range a.objVal {
			bv, ok := b.objVal[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON emits standard, non-canonical JSON preserving insertion
// order of object keys.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.num)
	case KindString:
		data, err := jsonMarshalString(v.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.objKey {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := jsonMarshalString(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.objVal[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jsonvalue: unknown kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON decodes standard JSON text into v, preserving the source
// object key order and the original decimal text of numbers.
func (v *Value) UnmarshalJSON(data []byte) error {
	d := decoder{data: data}
	d.skipSpace()
	val, err := d.parseValue()
	if err != nil {
		return err
	}
	d.skipSpace()
	if d.pos != len(d.data) {
		return fmt.Errorf("jsonvalue: trailing data at offset %d", d.pos)
	}
	*v = val
	return nil
}

// Canonical serializes v using RFC 8785 JSON Canonicalization (sorted
// object keys, shortest round-tripping number form) as required for
// IdCodec's upstream_id_value encoding and CatalogBuilder's contract_hash.
func Canonical(v Value) ([]byte, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

// CanonicalSorted is a convenience that canonicalizes
// a Go map with string keys without first building a Value by hand; keys
// are sorted lexicographically to match RFC 8785 ordering.
func CanonicalSorted(m map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	obj := NewObject()
	for _, k := range keys {
		obj = obj.WithSet(k, m[k])
	}
	return Canonical(obj)
}
