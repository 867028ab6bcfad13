package reactive

import (
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
)

// observerMap keeps exactly one joinedObserver per document id of one
// collection, shared by every referrer and torn down with the last one.
type observerMap struct {
	act            *Activation
	coll           livedata.Collection
	projection     livedata.Projection
	includeDeleted bool
	// targets maps a foreign key field to the map of the joined collection.
	targets map[string]*observerMap
	fields  []string

	mu      sync.Mutex
	entries map[string]*refEntry
	// draining holds destroyed observers that have not finished their teardown.
	draining map[string]*joinedObserver
	closed   bool
}

type refEntry struct {
	refs int
	obs  *joinedObserver
}

func newObserverMap(a *Activation, coll livedata.Collection, spec *Spec) *observerMap {
	return &observerMap{
		act:            a,
		coll:           coll,
		projection:     spec.Projection,
		includeDeleted: spec.AllowDeleted,
		targets:        make(map[string]*observerMap),
		entries:        make(map[string]*refEntry),
		draining:       make(map[string]*joinedObserver),
	}
}

// incref adds a reference to id and returns a channel that closes once the
// document is published (or known not to exist). from is the referring
// observer, nil for the root query.
//
// The entry is inserted before anything waits, so a concurrent incref for
// the same id always finds it.
func (m *observerMap) incref(id string, from *joinedObserver) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return resolved
	}
	if e, ok := m.entries[id]; ok {
		e.refs++
		switch {
		case isClosed(e.obs.ready):
			return resolved
		case from == nil:
			return e.obs.ready
		case m.act.waits.tryAdd(from, e.obs):
			return e.obs.ready
		default:
			// e.obs is itself waiting on from.
			return resolved
		}
	}

	o := newJoinedObserver(m, id)
	m.entries[id] = &refEntry{refs: 1, obs: o}
	if from != nil {
		m.act.waits.add(from, o)
	}
	o.start(m.draining[id])
	return o.ready
}

// decref drops a reference to id, destroying its observer on the last one.
// Unknown ids are ignored.
func (m *observerMap) decref(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, id)
	m.draining[id] = e.obs
	m.mu.Unlock()

	e.obs.destroy()
}

// finished is called by an observer once its teardown is complete.
func (m *observerMap) finished(o *joinedObserver) {
	m.mu.Lock()
	if m.draining[o.id] == o {
		delete(m.draining, o.id)
	}
	m.mu.Unlock()
}

// shutdown destroys every observer; later increfs are no-ops.
func (m *observerMap) shutdown() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*refEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.obs.destroy()
	}
}

func (m *observerMap) refCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.refs
	}
	return 0
}

func (m *observerMap) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
