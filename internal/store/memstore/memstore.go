// Package memstore is an in-process reactive document store. It implements
// the livedata store boundary and is used by the demo server and by tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/store/dispatch"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrExists       = errors.New("document already exists")
	ErrNoSoftDelete = errors.New("collection does not support soft delete")
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

func New() *Store {
	return &Store{collections: make(map[string]*Collection)}
}

type CollectionOption func(*Collection)

// WithSoftDelete lets the collection mark documents deleted instead of dropping them.
func WithSoftDelete() CollectionOption {
	return func(c *Collection) { c.softDelete = true }
}

// WithObserveError makes every Observe call fail with err.
func WithObserveError(err error) CollectionOption {
	return func(c *Collection) { c.observeErr = err }
}

// Define creates the named collection, or returns it if it already exists.
func (s *Store) Define(name string, opts ...CollectionOption) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c
	}
	c := &Collection{
		name:      name,
		docs:      make(map[string]livedata.Fields),
		observers: make(map[*observer]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	s.collections[name] = c
	return c
}

// Collection implements livedata.Store.
func (s *Store) Collection(name string) (livedata.Collection, error) {
	c, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", livedata.ErrUnknownCollection, name)
	}
	return c, nil
}

// Get returns the concrete collection.
func (s *Store) Get(name string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	return c, ok
}

// Insert adds a document to a defined collection.
func (s *Store) Insert(_ context.Context, collection, id string, fields livedata.Fields) error {
	c, ok := s.Get(collection)
	if !ok {
		return fmt.Errorf("%w: %s", livedata.ErrUnknownCollection, collection)
	}
	return c.Insert(id, fields)
}

// Collection holds documents and the live queries observing them.
//
// dispatch serialises mutations and the delivery of their events, so every
// observer sees deltas in mutation order; mu guards the data itself.
type Collection struct {
	name       string
	softDelete bool
	observeErr error

	dispatch  sync.Mutex
	mu        sync.Mutex
	docs      map[string]livedata.Fields
	observers map[*observer]struct{}
}

type observer struct {
	*dispatch.Target
	q    livedata.Query
	coll *Collection
}

func (o *observer) Stop() {
	o.Target.Stop()

	o.coll.mu.Lock()
	delete(o.coll.observers, o)
	o.coll.mu.Unlock()
}

func (c *Collection) Name() string          { return c.name }
func (c *Collection) SupportsDeleted() bool { return c.softDelete }

// Observe registers a live query and delivers its initial result set.
func (c *Collection) Observe(ctx context.Context, q livedata.Query, cb livedata.Observer) (livedata.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.observeErr != nil {
		return nil, c.observeErr
	}
	if q.IncludeDeleted && !c.softDelete {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNoSoftDelete)
	}

	o := &observer{Target: dispatch.NewTarget(cb), q: q, coll: c}

	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	var initial []dispatch.Event
	for _, id := range c.sortedIDs() {
		doc := c.docs[id]
		if q.Selector.Matches(id, doc, q.IncludeDeleted) {
			initial = append(initial, dispatch.Event{Target: o.Target, Kind: dispatch.Added, ID: id, Fields: q.Project(doc)})
		}
	}
	c.observers[o] = struct{}{}
	c.mu.Unlock()

	dispatch.Deliver(initial)
	return o, nil
}

func (c *Collection) sortedIDs() []string {
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the stored document.
func (c *Collection) Get(id string) (livedata.Fields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	return doc.Clone(), ok
}

// Len returns the number of stored documents, including soft-deleted ones.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// Observers returns the number of live queries on the collection.
func (c *Collection) Observers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *Collection) Insert(id string, fields livedata.Fields) error {
	return c.mutate(id, func(prev livedata.Fields, ok bool) (livedata.Fields, error) {
		if ok {
			return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrExists)
		}
		if fields == nil {
			return livedata.Fields{}, nil
		}
		return fields.Clone(), nil
	})
}

func (c *Collection) Update(id string, d livedata.Delta) error {
	return c.mutate(id, func(prev livedata.Fields, ok bool) (livedata.Fields, error) {
		if !ok {
			return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
		}
		return d.Apply(prev.Clone()), nil
	})
}

// Remove drops the document.
func (c *Collection) Remove(id string) error {
	return c.mutate(id, func(prev livedata.Fields, ok bool) (livedata.Fields, error) {
		if !ok {
			return nil, fmt.Errorf("%s/%s: %w", c.name, id, ErrNotFound)
		}
		return nil, nil
	})
}

// SoftRemove marks the document deleted. It stays visible to queries that
// include deleted documents.
func (c *Collection) SoftRemove(id string) error {
	if !c.softDelete {
		return fmt.Errorf("%s: %w", c.name, ErrNoSoftDelete)
	}
	return c.Update(id, livedata.Delta{livedata.DeletedField: livedata.Set(true)})
}

func (c *Collection) mutate(id string, fn func(prev livedata.Fields, ok bool) (livedata.Fields, error)) error {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	prev, ok := c.docs[id]
	next, err := fn(prev, ok)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if next == nil {
		delete(c.docs, id)
	} else {
		c.docs[id] = next
	}
	var evs []dispatch.Event
	for o := range c.observers {
		if ev, ok := transition(o, id, prev, next); ok {
			evs = append(evs, ev)
		}
	}
	c.mu.Unlock()

	dispatch.Deliver(evs)
	return nil
}

func transition(o *observer, id string, prev, next livedata.Fields) (dispatch.Event, bool) {
	q := o.q
	was := prev != nil && q.Selector.Matches(id, prev, q.IncludeDeleted)
	now := next != nil && q.Selector.Matches(id, next, q.IncludeDeleted)
	switch {
	case !was && now:
		return dispatch.Event{Target: o.Target, Kind: dispatch.Added, ID: id, Fields: q.Project(next)}, true
	case was && !now:
		return dispatch.Event{Target: o.Target, Kind: dispatch.Removed, ID: id}, true
	case was && now:
		if q.IDsOnly {
			return dispatch.Event{}, false
		}
		d := livedata.Diff(q.Project(prev), q.Project(next))
		if len(d) == 0 {
			return dispatch.Event{}, false
		}
		return dispatch.Event{Target: o.Target, Kind: dispatch.Changed, ID: id, Delta: d}, true
	}
	return dispatch.Event{}, false
}
