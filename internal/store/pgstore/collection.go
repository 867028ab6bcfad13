package pgstore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/store/dispatch"
)

// Collection is one observable collection of the documents table.
//
// dispatch serialises initial loads and notifications so an observer never
// sees a document change before its initial set; mu guards observers.
type Collection struct {
	store *Store
	name  string

	dispatch  sync.Mutex
	mu        sync.Mutex
	observers map[*observer]struct{}
}

func (c *Collection) Name() string { return c.name }

// SupportsDeleted is true: soft deletion is a field inside the document.
func (c *Collection) SupportsDeleted() bool { return true }

func (c *Collection) Observe(ctx context.Context, q livedata.Query, cb livedata.Observer) (livedata.Handle, error) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	rows, err := c.store.load(ctx, c.name, q.Selector)
	if err != nil {
		return nil, err
	}
	o := newObserver(c, q, cb)
	var initial []dispatch.Event
	for _, r := range rows {
		if ev, ok := o.apply(r.id, r.fields); ok {
			initial = append(initial, ev)
		}
	}
	c.mu.Lock()
	c.observers[o] = struct{}{}
	c.mu.Unlock()

	c.store.log.Debug("observe",
		zap.String("collection", c.name), zap.Int("initial", len(initial)), zap.Bool("ids_only", q.IDsOnly))
	dispatch.Deliver(initial)
	return o, nil
}

// Observers returns the number of live queries on the collection.
func (c *Collection) Observers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *Collection) snapshot() []*observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*observer, 0, len(c.observers))
	for o := range c.observers {
		out = append(out, o)
	}
	return out
}

// observer remembers the projected copy of every document it matches, which
// is what later notifications are diffed against.
type observer struct {
	*dispatch.Target
	q    livedata.Query
	coll *Collection
	docs map[string]livedata.Fields
}

func newObserver(c *Collection, q livedata.Query, cb livedata.Observer) *observer {
	return &observer{Target: dispatch.NewTarget(cb), q: q, coll: c, docs: make(map[string]livedata.Fields)}
}

func (o *observer) Stop() {
	o.Target.Stop()

	o.coll.mu.Lock()
	delete(o.coll.observers, o)
	o.coll.mu.Unlock()
}

// apply moves the observer to the new state of id; next is nil when the
// document no longer exists. Callers hold the collection's dispatch lock.
func (o *observer) apply(id string, next livedata.Fields) (dispatch.Event, bool) {
	prev, was := o.docs[id]
	now := next != nil && o.q.Selector.Matches(id, next, o.q.IncludeDeleted)
	switch {
	case !was && now:
		f := o.q.Project(next)
		o.docs[id] = f
		return dispatch.Event{Target: o.Target, Kind: dispatch.Added, ID: id, Fields: f.Clone()}, true
	case was && !now:
		delete(o.docs, id)
		return dispatch.Event{Target: o.Target, Kind: dispatch.Removed, ID: id}, true
	case was && now:
		f := o.q.Project(next)
		o.docs[id] = f
		if o.q.IDsOnly {
			return dispatch.Event{}, false
		}
		d := livedata.Diff(prev, f)
		if len(d) == 0 {
			return dispatch.Event{}, false
		}
		return dispatch.Event{Target: o.Target, Kind: dispatch.Changed, ID: id, Delta: d}, true
	}
	return dispatch.Event{}, false
}
