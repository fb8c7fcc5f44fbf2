package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind identifies which member of the Value union is populated.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueString
	ValueInt
	ValueFloat
	ValueBool
	ValueList
)

// String returns the kind name used in logs and error messages.
func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueString:
		return "string"
	case ValueInt:
		return "int"
	case ValueFloat:
		return "float"
	case ValueBool:
		return "bool"
	case ValueList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a property value held by an entity: a scalar or a flat list of scalars.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []Value
}

// NewString creates a string value.
func NewString(s string) Value { return Value{Kind: ValueString, Str: s} }

// NewInt creates an integer value.
func NewInt(n int64) Value { return Value{Kind: ValueInt, Int: n} }

// NewFloat creates a float value. Whole floats are stored as integers so that
// 42 and 42.0 coming from different JSON decoders compare equal.
func NewFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return NewInt(int64(f))
	}
	return Value{Kind: ValueFloat, Float: f}
}

// NewBool creates a boolean value.
func NewBool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// NewList creates a list value. Nested lists are flattened.
func NewList(items ...Value) Value {
	flat := make([]Value, 0, len(items))
	for _, item := range items {
		if item.Kind == ValueList {
			flat = append(flat, item.List...)
			continue
		}
		flat = append(flat, item)
	}
	return Value{Kind: ValueList, List: flat}
}

// ValueFromAny converts a decoded JSON/YAML value into a Value.
func ValueFromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return val, nil
	case string:
		return NewString(val), nil
	case bool:
		return NewBool(val), nil
	case int:
		return NewInt(int64(val)), nil
	case int32:
		return NewInt(int64(val)), nil
	case int64:
		return NewInt(val), nil
	case float32:
		return NewFloat(float64(val)), nil
	case float64:
		return NewFloat(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return NewInt(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return NewFloat(f), nil
	case []string:
		items := make([]Value, len(val))
		for i, s := range val {
			items[i] = NewString(s)
		}
		return NewList(items...), nil
	case []any:
		items := make([]Value, 0, len(val))
		for i, elem := range val {
			item, err := ValueFromAny(elem)
			if err != nil {
				return Value{}, fmt.Errorf("list[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return NewList(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported property value type %T", v)
	}
}

// Any returns the plain Go representation (string, int64, float64, bool, []any or nil).
func (v Value) Any() any {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueBool:
		return v.Bool
	case ValueList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// IsList reports whether the value is a collection.
func (v Value) IsList() bool { return v.Kind == ValueList }

// IsEmpty reports whether the value carries nothing worth matching on.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case ValueNull:
		return true
	case ValueString:
		return strings.TrimSpace(v.Str) == ""
	case ValueList:
		for _, item := range v.List {
			if !item.IsEmpty() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Items explodes a list into its elements; a scalar yields itself.
func (v Value) Items() []Value {
	if v.Kind == ValueList {
		return v.List
	}
	return []Value{v}
}

// Key returns the canonical text of a scalar, prefixed by its kind class so that
// the string "1" and the integer 1 never collide. Lists render their sorted item keys.
func (v Value) Key() string {
	switch v.Kind {
	case ValueString:
		return "s:" + v.Str
	case ValueInt:
		return "n:" + strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return "n:" + strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueBool:
		return "b:" + strconv.FormatBool(v.Bool)
	case ValueList:
		keys := make([]string, len(v.List))
		for i, item := range v.List {
			keys[i] = item.Key()
		}
		sort.Strings(keys)
		return "l:[" + strings.Join(keys, ",") + "]"
	default:
		return "null"
	}
}

// String renders the value as text, the form used for primary keys and fuzzy search.
func (v Value) String() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return ""
	}
}

// Equal reports structural equality. List order is ignored.
func (v Value) Equal(other Value) bool {
	return v.Key() == other.Key()
}

// MarshalJSON encodes the value as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes any JSON scalar or array into the union.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueFromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// IsMatching reports whether two property values refer to the same thing:
// scalar equality, or subset containment when either side is a collection.
// Empty values never match.
func IsMatching(a, b Value) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	if !a.IsList() && !b.IsList() {
		return a.Equal(b)
	}
	setA := keySet(a)
	setB := keySet(b)
	return isSubset(setA, setB) || isSubset(setB, setA)
}

func keySet(v Value) map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range v.Items() {
		if item.IsEmpty() {
			continue
		}
		set[item.Key()] = struct{}{}
	}
	return set
}

func isSubset(small, large map[string]struct{}) bool {
	if len(small) == 0 || len(small) > len(large) {
		return false
	}
	for k := range small {
		if _, ok := large[k]; !ok {
			return false
		}
	}
	return true
}
