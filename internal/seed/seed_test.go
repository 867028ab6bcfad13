package seed

import (
	"context"
	"reflect"
	"testing"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/store/memstore"
)

func populate(t *testing.T, n int, seed int64) (*memstore.Store, Result) {
	t.Helper()
	s := memstore.New()
	Define(s)
	res, err := Populate(context.Background(), s, n, seed)
	if err != nil {
		t.Fatal(err)
	}
	return s, res
}

func TestPopulateReferencesResolve(t *testing.T) {
	s, res := populate(t, 20, 1)
	if len(res.Puzzles) != 20 || len(res.Hunts) != 4 || len(res.Users) != 5 || len(res.Tags) != len(colors) {
		t.Fatalf("counts = %d puzzles, %d hunts, %d users, %d tags", len(res.Puzzles), len(res.Hunts), len(res.Users), len(res.Tags))
	}
	puzzles, _ := s.Get("puzzles")
	hunts, _ := s.Get("hunts")
	users, _ := s.Get("users")
	tags, _ := s.Get("tags")
	if !puzzles.SupportsDeleted() {
		t.Error("puzzles should support soft delete")
	}
	for _, id := range res.Puzzles {
		p, ok := puzzles.Get(id)
		if !ok {
			t.Fatalf("puzzle %s not stored", id)
		}
		h, ok := hunts.Get(p["hunt"].(string))
		if !ok {
			t.Fatalf("puzzle %s references missing hunt", id)
		}
		if _, ok := users.Get(h["creator"].(string)); !ok {
			t.Fatalf("hunt references missing user")
		}
		for _, tag := range livedata.NormalizeIDs(p["tags"]) {
			if _, ok := tags.Get(tag); !ok {
				t.Fatalf("puzzle %s references missing tag %s", id, tag)
			}
		}
	}
}

func TestPopulateIsReproducible(t *testing.T) {
	shape := func(seed int64) []int {
		s, res := populate(t, 10, seed)
		puzzles, _ := s.Get("puzzles")
		var out []int
		for _, id := range res.Puzzles {
			p, _ := puzzles.Get(id)
			for i, h := range res.Hunts {
				if h == p["hunt"] {
					out = append(out, i)
				}
			}
			out = append(out, len(livedata.NormalizeIDs(p["tags"])))
		}
		return out
	}
	if a, b := shape(9), shape(9); !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed, different documents:\n%v\n%v", a, b)
	}
}

func TestPopulateUnknownCollection(t *testing.T) {
	if _, err := Populate(context.Background(), memstore.New(), 3, 1); err == nil {
		t.Fatal("expected error for undefined collections")
	}
}
