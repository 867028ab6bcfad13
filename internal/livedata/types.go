// Package livedata holds the vocabulary shared by the join and merge engines:
// document fields, change deltas, projections, selectors, and the two
// boundaries the engines depend on (the reactive document store and the sink
// that receives published results).
package livedata

import (
	"reflect"
	"sort"
)

// Fields is a full (possibly projected) document, keyed by field name.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Value is a single delta entry. An entry with Cleared set removes the field;
// otherwise V is the field's new value.
type Value struct {
	V       any
	Cleared bool
}

// Set returns a delta entry assigning v.
func Set(v any) Value { return Value{V: v} }

// Clear returns a delta entry removing the field.
func Clear() Value { return Value{Cleared: true} }

// Delta describes a change to a document. A key that is absent is unchanged.
type Delta map[string]Value

// Apply mutates f in place and returns it.
func (d Delta) Apply(f Fields) Fields {
	if f == nil {
		f = Fields{}
	}
	for k, v := range d {
		if v.Cleared {
			delete(f, k)
		} else {
			f[k] = v.V
		}
	}
	return f
}

// Split returns the assigned fields and the sorted names of cleared fields.
func (d Delta) Split() (Fields, []string) {
	var set Fields
	var cleared []string
	for k, v := range d {
		if v.Cleared {
			cleared = append(cleared, k)
			continue
		}
		if set == nil {
			set = Fields{}
		}
		set[k] = v.V
	}
	sort.Strings(cleared)
	return set, cleared
}

// Diff returns the delta that turns prev into next, using deep equality.
func Diff(prev, next Fields) Delta {
	var d Delta
	for k, nv := range next {
		if pv, ok := prev[k]; ok && reflect.DeepEqual(pv, nv) {
			continue
		}
		if d == nil {
			d = Delta{}
		}
		d[k] = Set(nv)
	}
	for k := range prev {
		if _, ok := next[k]; ok {
			continue
		}
		if d == nil {
			d = Delta{}
		}
		d[k] = Clear()
	}
	return d
}

// Projection lists the fields a query returns. Nil or empty selects every field.
type Projection []string

// Includes reports whether field is part of the projection.
func (p Projection) Includes(field string) bool {
	if len(p) == 0 {
		return true
	}
	for _, f := range p {
		if f == field {
			return true
		}
	}
	return false
}

// Equal compares projections as sets.
func (p Projection) Equal(o Projection) bool {
	a, b := p.set(), o.set()
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (p Projection) set() map[string]struct{} {
	s := make(map[string]struct{}, len(p))
	for _, f := range p {
		s[f] = struct{}{}
	}
	return s
}

// Apply returns a copy of f restricted to the projection.
func (p Projection) Apply(f Fields) Fields {
	if len(p) == 0 {
		return f.Clone()
	}
	out := make(Fields, len(p))
	for _, k := range p {
		if v, ok := f[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ApplyDelta returns the subset of d visible through the projection.
func (p Projection) ApplyDelta(d Delta) Delta {
	if len(p) == 0 {
		return d
	}
	var out Delta
	for k, v := range d {
		if !p.Includes(k) {
			continue
		}
		if out == nil {
			out = Delta{}
		}
		out[k] = v
	}
	return out
}

// NormalizeIDs turns a foreign-key field value into a list of document ids.
// Strings form a has-one edge, string slices a has-many edge; anything else
// (including nil) references nothing.
func NormalizeIDs(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
