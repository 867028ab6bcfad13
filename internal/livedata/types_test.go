package livedata

import (
	"reflect"
	"testing"
)

func TestDiff(t *testing.T) {
	prev := Fields{"a": 1, "b": []any{"x"}, "c": "gone"}
	next := Fields{"a": 1, "b": []any{"x", "y"}, "d": true}

	got := Diff(prev, next)
	want := Delta{
		"b": Set([]any{"x", "y"}),
		"c": Clear(),
		"d": Set(true),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("diff mismatch\nwant %#v\ngot  %#v", want, got)
	}
	if d := Diff(next, next.Clone()); d != nil {
		t.Fatalf("expected no delta for equal documents, got %#v", d)
	}
}

func TestDeltaSplitAndApply(t *testing.T) {
	d := Delta{"a": Set(2), "z": Clear(), "b": Clear()}
	set, cleared := d.Split()
	if !reflect.DeepEqual(set, Fields{"a": 2}) {
		t.Errorf("set = %#v", set)
	}
	if !reflect.DeepEqual(cleared, []string{"b", "z"}) {
		t.Errorf("cleared = %#v", cleared)
	}

	f := d.Apply(Fields{"a": 1, "b": 1, "c": 1})
	if !reflect.DeepEqual(f, Fields{"a": 2, "c": 1}) {
		t.Errorf("applied = %#v", f)
	}
}

func TestProjection(t *testing.T) {
	p := Projection{"title", "hunt"}
	if !p.Includes("hunt") || p.Includes("secret") {
		t.Fatal("includes mismatch")
	}
	if !Projection(nil).Includes("anything") {
		t.Fatal("nil projection should include every field")
	}
	if !p.Equal(Projection{"hunt", "title"}) {
		t.Fatal("projections with the same fields should be equal")
	}
	if p.Equal(Projection{"hunt"}) || p.Equal(nil) {
		t.Fatal("different projections compared equal")
	}

	got := p.Apply(Fields{"title": "t", "hunt": "h", "secret": 1})
	if !reflect.DeepEqual(got, Fields{"title": "t", "hunt": "h"}) {
		t.Errorf("apply = %#v", got)
	}
	gd := p.ApplyDelta(Delta{"secret": Set(2), "title": Clear()})
	if !reflect.DeepEqual(gd, Delta{"title": Clear()}) {
		t.Errorf("apply delta = %#v", gd)
	}
}

func TestSelectorMatches(t *testing.T) {
	doc := Fields{"hunt": "h1", "tags": []any{"t1", "t2"}, "n": 3}
	cases := []struct {
		name    string
		sel     Selector
		fields  Fields
		deleted bool
		want    bool
	}{
		{"empty", Selector{}, doc, false, true},
		{"eq", Selector{"hunt": "h1"}, doc, false, true},
		{"neq", Selector{"hunt": "h2"}, doc, false, false},
		{"array contains", Selector{"tags": "t2"}, doc, false, true},
		{"id", Selector{IDField: "p1"}, doc, false, true},
		{"other id", Selector{IDField: "p2"}, doc, false, false},
		{"missing field", Selector{"nope": 1}, doc, false, false},
		{"deleted hidden", Selector{}, Fields{DeletedField: true}, false, false},
		{"deleted allowed", Selector{}, Fields{DeletedField: true}, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.sel.Matches("p1", c.fields, c.deleted); got != c.want {
				t.Fatalf("Matches = %v, want %v", got, c.want)
			}
		})
	}
}

func TestNormalizeIDs(t *testing.T) {
	cases := []struct {
		in   any
		want []string
	}{
		{"a", []string{"a"}},
		{"", nil},
		{[]string{"a", "", "b"}, []string{"a", "b"}},
		{[]any{"a", 3, "b"}, []string{"a", "b"}},
		{nil, nil},
		{42, nil},
	}
	for _, c := range cases {
		if got := NormalizeIDs(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("NormalizeIDs(%#v) = %#v, want %#v", c.in, got, c.want)
		}
	}
}
