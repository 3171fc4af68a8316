package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the closed set of value variants.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindRef
)

// Value is a tagged union over everything a key or list slot can hold:
// JSON-like scalars, plain (non-live) containers serialized inline, or a
// reference to a nested live node owned by the tree.
//
// On the wire a Value is plain JSON; a live reference is encoded as an
// object with the single reserved key "$ref". Plain maps must not use that
// key themselves.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	List   []Value
	Map    map[string]Value
	Ref    NodeID
}

var errBadValue = errors.New("crdt: unsupported value")

// Null returns the null value. It is also Value's zero value.
func Null() Value {
	return Value{}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{Kind: KindNumber, Number: f}
}

// String returns a text value.
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// PlainList returns a plain, fully owned list value.
func PlainList(items ...Value) Value {
	return Value{Kind: KindList, List: items}
}

// PlainMap returns a plain, fully owned map value.
func PlainMap(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}

// Ref returns a reference to a live node.
func Ref(id NodeID) Value {
	return Value{Kind: KindRef, Ref: id}
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Number == o.Number
	case KindString:
		return v.Str == o.Str
	case KindRef:
		return v.Ref == o.Ref
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, vv := range v.Map {
			ov, ok := o.Map[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

const refKey = "$ref"

// MarshalJSON encodes the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	case KindRef:
		return json.Marshal(map[string]string{refKey: string(v.Ref)})
	}
	return nil, fmt.Errorf("%w: kind %d", errBadValue, v.Kind)
}

// UnmarshalJSON decodes plain JSON into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			val, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, val)
		}
		return PlainList(items...), nil
	case map[string]any:
		if ref, ok := t[refKey]; ok && len(t) == 1 {
			if id, ok := ref.(string); ok {
				return Ref(NodeID(id)), nil
			}
		}
		m := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = val
		}
		return PlainMap(m), nil
	}
	return Value{}, fmt.Errorf("%w: %T", errBadValue, raw)
}
