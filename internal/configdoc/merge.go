package configdoc

import "strings"

// ReplaceSuffix marks a map key as a full replacement: a document that sets
// `initializationActions!replace:` overwrites the field wholesale instead of
// the usual recursive-merge / list-concatenation behavior.
const ReplaceSuffix = "!replace"

// Merge layers src over dst and returns the combined value.
//
// Precedence is last-writer-wins per leaf key: scalar conflicts take the src
// side, nested maps merge recursively, and list-valued fields concatenate dst
// then src. A src key carrying the ReplaceSuffix replaces the corresponding
// dst field wholesale; the suffix is stripped from the resulting key.
func Merge(dst, src Value) Value {
	if src.IsNil() {
		return dst
	}
	if dst.IsNil() {
		return stripReplaceMarkers(src)
	}
	if dst.kind == KindMap && src.kind == KindMap {
		return mergeMaps(dst, src)
	}
	if dst.kind == KindList && src.kind == KindList {
		out := make([]Value, 0, len(dst.list)+len(src.list))
		out = append(out, dst.list...)
		out = append(out, src.list...)
		return Value{kind: KindList, list: out}
	}
	// Kind mismatch or scalar conflict: later entry wins.
	return stripReplaceMarkers(src)
}

// MergeAll folds a sequence of values left to right, so later values take
// precedence over earlier ones.
func MergeAll(values ...Value) Value {
	out := Nil()
	for _, v := range values {
		out = Merge(out, v)
	}
	return out
}

func mergeMaps(dst, src Value) Value {
	out := Value{kind: KindMap, fields: append([]Field(nil), dst.fields...)}
	for _, f := range src.fields {
		key, replace := splitReplaceKey(f.Key)
		val := f.Value
		if !replace {
			if existing, ok := out.Get(key); ok {
				val = Merge(existing, f.Value)
			} else {
				val = stripReplaceMarkers(f.Value)
			}
		} else {
			val = stripReplaceMarkers(val)
		}
		out = out.Set(key, val)
	}
	return out
}

func splitReplaceKey(key string) (string, bool) {
	if strings.HasSuffix(key, ReplaceSuffix) {
		return strings.TrimSuffix(key, ReplaceSuffix), true
	}
	return key, false
}

// stripReplaceMarkers removes ReplaceSuffix markers from keys of a value that
// is being taken wholesale, so the marker never leaks into a resolved spec.
func stripReplaceMarkers(v Value) Value {
	switch v.kind {
	case KindMap:
		fields := make([]Field, 0, len(v.fields))
		for _, f := range v.fields {
			key, _ := splitReplaceKey(f.Key)
			fields = append(fields, Field{Key: key, Value: stripReplaceMarkers(f.Value)})
		}
		return Value{kind: KindMap, fields: fields}
	case KindList:
		elems := make([]Value, 0, len(v.list))
		for _, e := range v.list {
			elems = append(elems, stripReplaceMarkers(e))
		}
		return Value{kind: KindList, list: elems}
	default:
		return v
	}
}
