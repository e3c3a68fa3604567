// Package configdoc holds the dynamic configuration document model: a tagged
// recursive value type parsed from YAML, and the merge algorithm that layers
// documents with defined precedence.
package configdoc

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	KindNil Kind = iota
	KindScalar
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Field is one entry of a map value. Maps keep insertion order so that
// repeated resolutions of the same inputs encode byte-identically.
type Field struct {
	Key   string
	Value Value
}

// Value is one node of a configuration document: a scalar, a list, or an
// ordered map. Values are treated as immutable; all operations return copies.
type Value struct {
	kind   Kind
	scalar interface{} // string, int64, float64 or bool
	list   []Value
	fields []Field
}

// Nil returns the nil value.
func Nil() Value { return Value{kind: KindNil} }

// String builds a scalar string value.
func String(s string) Value { return Value{kind: KindScalar, scalar: s} }

// Int builds a scalar integer value.
func Int(i int64) Value { return Value{kind: KindScalar, scalar: i} }

// Float builds a scalar float value.
func Float(f float64) Value { return Value{kind: KindScalar, scalar: f} }

// Bool builds a scalar boolean value.
func Bool(b bool) Value { return Value{kind: KindScalar, scalar: b} }

// List builds a list value from its elements.
func List(elems ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), elems...)}
}

// Map builds a map value from ordered fields.
func Map(fields ...Field) Value {
	return Value{kind: KindMap, fields: append([]Field(nil), fields...)}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

// AsString returns the scalar as a string. Numeric and boolean scalars are
// formatted, matching how loosely-typed YAML configs are consumed.
func (v Value) AsString() (string, bool) {
	if v.kind != KindScalar {
		return "", false
	}
	switch s := v.scalar.(type) {
	case string:
		return s, true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// AsInt returns the scalar as an int64 if it is an integer or an integral
// string.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindScalar {
		return 0, false
	}
	switch s := v.scalar.(type) {
	case int64:
		return s, true
	case float64:
		if s == float64(int64(s)) {
			return int64(s), true
		}
		return 0, false
	case string:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// AsBool returns the scalar as a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindScalar {
		return false, false
	}
	switch s := v.scalar.(type) {
	case bool:
		return s, true
	case string:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// Elems returns the elements of a list value.
func (v Value) Elems() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Fields returns the ordered fields of a map value.
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	return v.fields
}

// Get looks up a key in a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Nil(), false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Nil(), false
}

// Path descends through nested map values, returning the value at the given
// key path.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Nil(), false
		}
		cur = next
	}
	return cur, true
}

// GetString is a convenience accessor for a string at a key path.
func (v Value) GetString(keys ...string) (string, bool) {
	node, ok := v.Path(keys...)
	if !ok {
		return "", false
	}
	return node.AsString()
}

// GetInt is a convenience accessor for an integer at a key path.
func (v Value) GetInt(keys ...string) (int64, bool) {
	node, ok := v.Path(keys...)
	if !ok {
		return 0, false
	}
	return node.AsInt()
}

// GetBool is a convenience accessor for a boolean at a key path.
func (v Value) GetBool(keys ...string) (bool, bool) {
	node, ok := v.Path(keys...)
	if !ok {
		return false, false
	}
	return node.AsBool()
}

// Set returns a copy of a map value with key bound to val, preserving the
// position of an existing key and appending new keys at the end.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindMap {
		v = Map()
	}
	out := Value{kind: KindMap, fields: make([]Field, 0, len(v.fields)+1)}
	replaced := false
	for _, f := range v.fields {
		if f.Key == key {
			out.fields = append(out.fields, Field{Key: key, Value: val})
			replaced = true
			continue
		}
		out.fields = append(out.fields, f)
	}
	if !replaced {
		out.fields = append(out.fields, Field{Key: key, Value: val})
	}
	return out
}

// SetPath returns a copy with the value at the key path bound to val,
// creating intermediate maps as needed.
func (v Value) SetPath(val Value, keys ...string) Value {
	if len(keys) == 0 {
		return val
	}
	child, _ := v.Get(keys[0])
	return v.Set(keys[0], child.SetPath(val, keys[1:]...))
}

// FromYAML parses one YAML document into a Value, preserving map key order.
func FromYAML(data []byte) (Value, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Nil(), err
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return Nil(), nil
	}
	return fromNode(node.Content[0])
}

func fromNode(n *yaml.Node) (Value, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return scalarFromNode(n)
	case yaml.SequenceNode:
		elems := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return Nil(), err
			}
			elems = append(elems, v)
		}
		return Value{kind: KindList, list: elems}, nil
	case yaml.MappingNode:
		fields := make([]Field, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return Nil(), err
			}
			fields = append(fields, Field{Key: n.Content[i].Value, Value: v})
		}
		return Value{kind: KindMap, fields: fields}, nil
	case yaml.AliasNode:
		return fromNode(n.Alias)
	default:
		return Nil(), fmt.Errorf("unsupported YAML node kind %d at line %d", n.Kind, n.Line)
	}
}

func scalarFromNode(n *yaml.Node) (Value, error) {
	switch n.Tag {
	case "!!null":
		return Nil(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return Nil(), fmt.Errorf("invalid boolean %q at line %d", n.Value, n.Line)
		}
		return Bool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return Nil(), fmt.Errorf("invalid integer %q at line %d", n.Value, n.Line)
		}
		return Int(i), nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return Nil(), fmt.Errorf("invalid float %q at line %d", n.Value, n.Line)
		}
		return Float(f), nil
	default:
		return String(n.Value), nil
	}
}

// FromInterface converts a decoded JSON/YAML interface tree into a Value.
// Map keys are sorted so that unordered inputs (JSON objects) still produce
// a deterministic Value.
func FromInterface(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Nil(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := FromInterface(e)
			if err != nil {
				return Nil(), err
			}
			elems = append(elems, v)
		}
		return Value{kind: KindList, list: elems}, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, k := range keys {
			v, err := FromInterface(t[k])
			if err != nil {
				return Nil(), err
			}
			fields = append(fields, Field{Key: k, Value: v})
		}
		return Value{kind: KindMap, fields: fields}, nil
	default:
		return Nil(), fmt.Errorf("unsupported value type %T", in)
	}
}

// Interface converts a Value back into a plain interface tree, for JSON
// encoding and logging. Map order is lost; use Encode for canonical output.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNil:
		return nil
	case KindScalar:
		return v.scalar
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// Encode renders the value as canonical YAML. Because maps preserve order,
// equal values encode to byte-identical output.
func (v Value) Encode() ([]byte, error) {
	return yaml.Marshal(v.toNode())
}

func (v Value) toNode() *yaml.Node {
	switch v.kind {
	case KindScalar:
		n := &yaml.Node{Kind: yaml.ScalarNode}
		switch s := v.scalar.(type) {
		case string:
			n.SetString(s)
		case int64:
			n.Tag = "!!int"
			n.Value = strconv.FormatInt(s, 10)
		case float64:
			n.Tag = "!!float"
			n.Value = strconv.FormatFloat(s, 'g', -1, 64)
		case bool:
			n.Tag = "!!bool"
			n.Value = strconv.FormatBool(s)
		}
		return n
	case KindList:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for _, e := range v.list {
			n.Content = append(n.Content, e.toNode())
		}
		return n
	case KindMap:
		n := &yaml.Node{Kind: yaml.MappingNode}
		for _, f := range v.fields {
			k := &yaml.Node{Kind: yaml.ScalarNode}
			k.SetString(f.Key)
			n.Content = append(n.Content, k, f.Value.toNode())
		}
		return n
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
}

// Document is one loaded configuration document and the location it came
// from. Immutable once loaded.
type Document struct {
	Source string
	Root   Value
}
