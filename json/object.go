package json

import (
	"bytes"
	"encoding/json"
)

// JsonObject is an ordered map of string keys to JsonEntity values. Lookups
// go through a map; a key slice tracks insertion order for marshaling.
type JsonObject struct {
	data map[string]JsonEntity
	keys []string
}

// NewJsonObject creates an empty object.
func NewJsonObject() *JsonObject {
	return &JsonObject{
		data: make(map[string]JsonEntity),
	}
}

// Type returns the string "object".
func (jo *JsonObject) Type() string {
	return "object"
}

// MarshalJSON marshals keys in insertion order.
func (jo *JsonObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range jo.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := jo.data[key].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Set stores a key-value pair. Updating an existing key keeps its position;
// a new key is appended at the end.
func (jo *JsonObject) Set(key string, value JsonEntity) {
	if _, exists := jo.data[key]; !exists {
		jo.keys = append(jo.keys, key)
	}
	jo.data[key] = value
}

// Get returns the value for key.
func (jo *JsonObject) Get(key string) (JsonEntity, bool) {
	val, exists := jo.data[key]
	return val, exists
}

// Has returns true if key exists.
func (jo *JsonObject) Has(key string) bool {
	_, exists := jo.data[key]
	return exists
}

// Delete removes a key-value pair, returning true if it existed.
func (jo *JsonObject) Delete(key string) bool {
	if _, exists := jo.data[key]; !exists {
		return false
	}
	delete(jo.data, key)
	for i, k := range jo.keys {
		if k == key {
			jo.keys = append(jo.keys[:i], jo.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns all keys in insertion order.
func (jo *JsonObject) Keys() []string {
	keys := make([]string, len(jo.keys))
	copy(keys, jo.keys)
	return keys
}

// Length returns the number of key-value pairs.
func (jo *JsonObject) Length() int {
	return len(jo.data)
}

// ForEach iterates over the pairs in insertion order until fn returns false.
func (jo *JsonObject) ForEach(fn func(key string, value JsonEntity) bool) {
	for _, key := range jo.keys {
		if !fn(key, jo.data[key]) {
			return
		}
	}
}
