package store

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
)

// FieldID is the reserved selector key that matches a document's id.
const FieldID = "_id"

// Fields holds the top-level fields of a document.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Document is a cached copy of a stored document.
type Document struct {
	Collection string
	ID         string
	Fields     Fields
}

// String returns the named field if it holds a string.
func (d Document) String(field string) (string, bool) {
	v, ok := d.Fields[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the named field as a float64 if it holds any numeric value.
func (d Document) Float(field string) (float64, bool) {
	v, ok := d.Fields[field]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Int64 returns the named field as an int64 if it holds a numeric value with
// no fractional part.
func (d Document) Int64(field string) (int64, bool) {
	f, ok := d.Float(field)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// Bool returns the named field if it holds a bool.
func (d Document) Bool(field string) (bool, bool) {
	v, ok := d.Fields[field]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Filter selects documents by top-level field equality. An empty filter
// matches every document. The FieldID key matches the document id.
type Filter map[string]any

// Match reports whether d satisfies every condition in f.
func (f Filter) Match(d Document) bool {
	for k, want := range f {
		if k == FieldID {
			id, ok := want.(string)
			if !ok || id != d.ID {
				return false
			}
			continue
		}
		got, ok := d.Fields[k]
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}

// Update is a partial update: Set fields are written, Unset fields removed,
// everything else on the document is preserved.
type Update struct {
	Set   Fields
	Unset []string
}

// Apply mutates fields in place and reports which values actually changed
// and which fields were removed.
func (u Update) Apply(fields Fields) (changed Fields, cleared []string) {
	changed = Fields{}
	for k, v := range u.Set {
		if old, ok := fields[k]; ok && Equal(old, v) {
			continue
		}
		fields[k] = v
		changed[k] = v
	}
	for _, k := range u.Unset {
		if _, ok := fields[k]; ok {
			delete(fields, k)
			cleared = append(cleared, k)
		}
	}
	sort.Strings(cleared)
	return changed, cleared
}

// Diff compares two versions of a document's fields the way a change
// notification reports them.
func Diff(before, after Fields) (changed Fields, cleared []string) {
	changed = Fields{}
	for k, v := range after {
		if old, ok := before[k]; ok && Equal(old, v) {
			continue
		}
		changed[k] = v
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			cleared = append(cleared, k)
		}
	}
	sort.Strings(cleared)
	return changed, cleared
}

// Equal compares two field values, treating all numeric types as equal when
// they hold the same value.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
