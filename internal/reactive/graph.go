package reactive

import (
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
)

// addObservers allocates one observerMap per collection in the spec tree.
// A collection reached through several joins shares its map, so every path
// must agree on what the map observes.
func (a *Activation) addObservers(spec *Spec) (*observerMap, error) {
	m, ok := a.maps[spec.Collection]
	if ok {
		if !m.projection.Equal(spec.Projection) {
			return nil, &ConfigurationError{Collection: spec.Collection, Reason: "reached through joins with different projections"}
		}
		if m.includeDeleted != spec.AllowDeleted {
			return nil, &ConfigurationError{Collection: spec.Collection, Reason: "reached through joins with different allowDeleted"}
		}
	} else {
		coll, err := a.store.Collection(spec.Collection)
		if err != nil {
			return nil, &ConfigurationError{Collection: spec.Collection, Reason: err.Error()}
		}
		m = newObserverMap(a, coll, spec)
		a.maps[spec.Collection] = m
		a.order = append(a.order, spec.Collection)
	}
	for _, fk := range spec.ForeignKeys {
		child, err := a.addObservers(fk.Join)
		if err != nil {
			return nil, err
		}
		if prev, ok := m.targets[fk.Field]; ok {
			if prev != child {
				return nil, &ConfigurationError{Collection: spec.Collection, Field: fk.Field, Reason: "joined to different collections"}
			}
			continue
		}
		m.targets[fk.Field] = child
		m.fields = append(m.fields, fk.Field)
	}
	return m, nil
}

// waitGraph records which observers are blocked on which in-flight observers.
// A referrer must not wait on an observer that (transitively) waits on the
// referrer itself, or both would block forever.
type waitGraph struct {
	mu    sync.Mutex
	edges map[*joinedObserver]map[*joinedObserver]struct{}
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[*joinedObserver]map[*joinedObserver]struct{})}
}

// add records that waiter waits on target.
func (g *waitGraph) add(waiter, target *joinedObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(waiter, target)
}

func (g *waitGraph) addLocked(waiter, target *joinedObserver) {
	set := g.edges[waiter]
	if set == nil {
		set = make(map[*joinedObserver]struct{})
		g.edges[waiter] = set
	}
	set[target] = struct{}{}
}

// tryAdd records the edge unless target already reaches waiter.
func (g *waitGraph) tryAdd(waiter, target *joinedObserver) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if waiter == target || g.reaches(target, waiter) {
		return false
	}
	g.addLocked(waiter, target)
	return true
}

func (g *waitGraph) reaches(from, to *joinedObserver) bool {
	seen := map[*joinedObserver]bool{from: true}
	stack := []*joinedObserver{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.edges[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// clear drops every edge out of waiter.
func (g *waitGraph) clear(waiter *joinedObserver) {
	g.mu.Lock()
	delete(g.edges, waiter)
	g.mu.Unlock()
}

var resolved = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func idQuery(id string, m *observerMap) livedata.Query {
	return livedata.Query{
		Selector:       livedata.Selector{livedata.IDField: id},
		Projection:     m.projection,
		IncludeDeleted: m.includeDeleted,
	}
}
