package json

import (
	"bytes"
)

// JsonList is an ordered list of JsonEntity elements.
type JsonList struct {
	items []JsonEntity
}

// NewJsonList creates an empty list.
func NewJsonList() *JsonList {
	return &JsonList{}
}

// Type returns the string "list".
func (jl *JsonList) Type() string {
	return "list"
}

// MarshalJSON implements json.Marshaler.
func (jl *JsonList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range jl.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		itemBytes, err := item.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(itemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Append adds an item to the end of the list.
func (jl *JsonList) Append(item JsonEntity) {
	jl.items = append(jl.items, item)
}

// At returns the item at index, or nil when out of range.
func (jl *JsonList) At(index int) JsonEntity {
	if index < 0 || index >= len(jl.items) {
		return nil
	}
	return jl.items[index]
}

// Length returns the number of items.
func (jl *JsonList) Length() int {
	return len(jl.items)
}

// ToSlice returns the underlying items.
func (jl *JsonList) ToSlice() []JsonEntity {
	return jl.items
}
