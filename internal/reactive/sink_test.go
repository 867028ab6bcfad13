package reactive

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoravur/livejoin/internal/livedata"
)

type record struct {
	kind   string
	coll   string
	id     string
	fields livedata.Fields
	delta  livedata.Delta
}

func (r record) String() string { return fmt.Sprintf("%s %s/%s", r.kind, r.coll, r.id) }

// recordingSink captures everything the engine publishes.
type recordingSink struct {
	mu      sync.Mutex
	events  []record
	docs    map[string]livedata.Fields
	errs    []error
	stops   []func()
	stopped bool
	ready   chan struct{}
	once    sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{docs: map[string]livedata.Fields{}, ready: make(chan struct{})}
}

func (s *recordingSink) Added(coll, id string, f livedata.Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, record{kind: "added", coll: coll, id: id, fields: f})
	s.docs[coll+"/"+id] = f.Clone()
}

func (s *recordingSink) Changed(coll, id string, d livedata.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, record{kind: "changed", coll: coll, id: id, delta: d})
	s.docs[coll+"/"+id] = d.Apply(s.docs[coll+"/"+id])
}

func (s *recordingSink) Removed(coll, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, record{kind: "removed", coll: coll, id: id})
	delete(s.docs, coll+"/"+id)
}

func (s *recordingSink) Ready() {
	s.mu.Lock()
	s.events = append(s.events, record{kind: "ready"})
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

func (s *recordingSink) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) OnStop(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		fn()
		return
	}
	s.stops = append(s.stops, fn)
	s.mu.Unlock()
}

func (s *recordingSink) Stop() {
	s.mu.Lock()
	s.stopped = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()
	for _, fn := range stops {
		fn()
	}
}

func (s *recordingSink) snapshot() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record(nil), s.events...)
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *recordingSink) has(coll, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[coll+"/"+id]
	return ok
}

func (s *recordingSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *recordingSink) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink never became ready; events: %v", s.snapshot())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// kinds renders events compactly for order assertions.
func kinds(rs []record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		if r.kind == "ready" {
			out[i] = "ready"
			continue
		}
		out[i] = r.String()
	}
	return out
}

func indexOf(rs []record, s string) int {
	for i, k := range kinds(rs) {
		if k == s {
			return i
		}
	}
	return -1
}
