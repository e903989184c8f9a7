package jsonvalue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func jsonMarshalString(s string) ([]byte, error) {
	return json.Marshal(s)
}

// decoder is a small hand-written JSON scanner that builds a
// Value tree while preserving object key order, which encoding/json's own
// map-based unmarshaling would discard.
type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) skipSpace() {
	for d.pos < len(d.data) {
		switch d.data[d.pos] {
		case ' ', '\t', '\n', '\r':
			d.pos++
		default:
			return
		}
	}
}

func (d *decoder) parseValue() (Value, error) {
	d.skipSpace()
	if d.pos >= len(d.data) {
		return Value{}, fmt.Errorf("jsonvalue: unexpected end of input")
	}
	switch c := d.data[d.pos]; {
	case c == '{':
		return d.parseObject()
	case c == '[':
		return d.parseArray()
	case c == '"':
		s, err := d.parseRawString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case c == 't':
		return d.parseLiteral("true", Bool(true))
	case c == 'f':
		return d.parseLiteral("false", Bool(false))
	case c == 'n':
		return d.parseLiteral("null", Null())
	case c == '-' || (c >= '0' && c <= '9'):
		return d.parseNumber()
	default:
		return Value{}, fmt.Errorf("jsonvalue: unexpected character %q at offset %d", c, d.pos)
	}
}

func (d *decoder) parseLiteral(lit string, v Value) (Value, error) {
	if d.pos+len(lit) > len(d.data) || string(d.data[d.pos:d.pos+len(lit)]) != lit {
		return Value{}, fmt.Errorf("jsonvalue: invalid literal at offset %d", d.pos)
	}
	d.pos += len(lit)
	return v, nil
}

func (d *decoder) parseNumber() (Value, error) {
	start := d.pos
	for d.pos < len(d.data) {
		switch c := d.data[d.pos]; {
		case c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' || (c >= '0' && c <= '9'):
			d.pos++
		default:
			goto done
		}
	}
done:
	text := string(d.data[start:d.pos])
	if text == "" {
		return Value{}, fmt.Errorf("jsonvalue: invalid number at offset %d", start)
	}
	var probe float64
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return Value{}, fmt.Errorf("jsonvalue: invalid number %q: %w", text, err)
	}
	return NumberRaw(text), nil
}

func (d *decoder) parseRawString() (string, error) {
	if d.data[d.pos] != '"' {
		return "", fmt.Errorf("jsonvalue: expected string at offset %d", d.pos)
	}
	start := d.pos
	d.pos++
	for d.pos < len(d.data) {
		switch d.data[d.pos] {
		case '\\':
			d.pos += 2
		case '"':
			d.pos++
			var s string
			if err := json.Unmarshal(d.data[start:d.pos], &s); err != nil {
				return "", fmt.Errorf("jsonvalue: invalid string literal: %w", err)
			}
			return s, nil
		default:
			d.pos++
		}
	}
	return "", fmt.Errorf("jsonvalue: unterminated string starting at offset %d", start)
}

func (d *decoder) parseArray() (Value, error) {
	d.pos++ // consume '['
	var items []Value
	d.skipSpace()
	if d.pos < len(d.data) && d.data[d.pos] == ']' {
		d.pos++
		return Array(items...), nil
	}
	for {
		v, err := d.parseValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
		d.skipSpace()
		if d.pos >= len(d.data) {
			return Value{}, fmt.Errorf("jsonvalue: unterminated array")
		}
		switch d.data[d.pos] {
		case ',':
			d.pos++
		case ']':
			d.pos++
			return Array(items...), nil
		default:
			return Value{}, fmt.Errorf("jsonvalue: expected ',' or ']' at offset %d", d.pos)
		}
	}
}

func (d *decoder) parseObject() (Value, error) {
	d.pos++ // consume '{'
	obj := NewObject()
	d.skipSpace()
	if d.pos < len(d.data) && d.data[d.pos] == '}' {
		d.pos++
		return obj, nil
	}
	for {
		d.skipSpace()
		key, err := d.parseRawString()
		if err != nil {
			return Value{}, err
		}
		d.skipSpace()
		if d.pos >= len(d.data) || d.data[d.pos] != ':' {
			return Value{}, fmt.Errorf("jsonvalue: expected ':' at offset %d", d.pos)
		}
		d.pos++
		val, err := d.parseValue()
		if err != nil {
			return Value{}, err
		}
		obj = obj.WithSet(key, val)
		d.skipSpace()
		if d.pos >= len(d.data) {
			return Value{}, fmt.Errorf("jsonvalue: unterminated object")
		}
		switch d.data[d.pos] {
		case ',':
			d.pos++
		case '}':
			d.pos++
			return obj, nil
		default:
			return Value{}, fmt.Errorf("jsonvalue: expected ',' or '}' at offset %d", d.pos)
		}
	}
}

// Parse is a convenience wrapper around UnmarshalJSON for call sites that
// do not already have a Value to unmarshal into.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(bytes.TrimSpace(data)); err != nil {
		return Value{}, err
	}
	return v, nil
}
