// Package json provides insertion-ordered JSON values. The stats output of
// every component goes through these types so that serialized snapshots keep
// a stable field order, which encoding/json's map-based marshaling does not.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JsonEntity is the common interface of all JSON types in this package.
type JsonEntity interface {
	Type() string
	MarshalJSON() ([]byte, error)
}

// Unmarshal parses JSON bytes into a JsonEntity, preserving object key order.
func Unmarshal(data []byte) (JsonEntity, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	entity, err := decodeEntity(dec)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func decodeEntity(dec *json.Decoder) (JsonEntity, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (JsonEntity, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewJsonObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("expected string key, got %v", keyTok)
				}
				val, err := decodeEntity(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			list := NewJsonList()
			for dec.More() {
				item, err := decodeEntity(dec)
				if err != nil {
					return nil, err
				}
				list.Append(item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return NewJsonValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return NewJsonValue(f), nil
	case string, bool, nil:
		return NewJsonValue(t), nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

// Marshal serializes a JsonEntity.
func Marshal(v JsonEntity) ([]byte, error) {
	return v.MarshalJSON()
}

// MarshalIndent serializes a JsonEntity with indentation, preserving order.
func MarshalIndent(v JsonEntity, prefix, indent string) ([]byte, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, prefix, indent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
