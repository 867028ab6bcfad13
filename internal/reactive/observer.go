package reactive

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/metrics"
)

// joinedObserver watches one document and publishes it downstream once every
// document it references has been published.
//
// Live-query callbacks only enqueue; a single goroutine applies events in
// order, so the state below is owned by run.
type joinedObserver struct {
	m  *observerMap
	id string

	ctx    context.Context
	cancel context.CancelFunc
	// ready closes after the initial snapshot has been published, or when
	// the observer is destroyed before that. A failed attach leaves it open.
	ready     chan struct{}
	readyOnce sync.Once
	// done closes after teardown.
	done   chan struct{}
	events eventQueue

	handle livedata.Handle
	exists bool
	// values holds the resolved foreign keys of the published document.
	values map[string][]string
}

func newJoinedObserver(m *observerMap, id string) *joinedObserver {
	ctx, cancel := context.WithCancel(m.act.ctx)
	return &joinedObserver{
		m:      m,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		events: eventQueue{signal: make(chan struct{}, 1)},
	}
}

func (o *joinedObserver) start(prior *joinedObserver) {
	o.m.act.wg.Add(1)
	go o.run(prior)
}

// destroy stops the observer. Teardown happens asynchronously; done closes
// once it has finished.
func (o *joinedObserver) destroy() { o.cancel() }

func (o *joinedObserver) markReady() { o.readyOnce.Do(func() { close(o.ready) }) }

func (o *joinedObserver) run(prior *joinedObserver) {
	a := o.m.act
	name := o.m.coll.Name()
	defer a.wg.Done()
	defer o.m.finished(o)
	defer close(o.done)
	defer o.cancel()

	metrics.Observers.WithLabelValues(name).Inc()
	defer metrics.Observers.WithLabelValues(name).Dec()

	if prior != nil {
		select {
		case <-prior.done:
		case <-o.ctx.Done():
			o.markReady()
			return
		}
	}

	h, err := o.m.coll.Observe(o.ctx, idQuery(o.id, o.m), livedata.Observer{
		Added:   func(_ string, f livedata.Fields) { o.events.push(event{kind: evAdded, fields: f}) },
		Changed: func(_ string, d livedata.Delta) { o.events.push(event{kind: evChanged, delta: d}) },
		Removed: func(string) { o.events.push(event{kind: evRemoved}) },
	})
	if err != nil {
		if o.ctx.Err() == nil {
			a.log.Error("observe document failed",
				zap.String("collection", name), zap.String("id", o.id), zap.Error(err))
			a.sink.Error(fmt.Errorf("observe %s/%s: %w", name, o.id, err))
			return
		}
		o.markReady()
		return
	}
	o.handle = h
	o.events.push(event{kind: evInitialized})

	for {
		ev, ok := o.events.pop(o.ctx)
		if !ok {
			break
		}
		switch ev.kind {
		case evAdded:
			o.added(ev.fields)
		case evChanged:
			o.changed(ev.delta)
		case evRemoved:
			o.removed()
		case evInitialized:
			o.markReady()
		}
	}
	o.markReady()
	o.teardown()
}

func (o *joinedObserver) added(fields livedata.Fields) {
	if o.exists {
		return
	}
	refs := map[string][]string{}
	for _, f := range o.m.fields {
		if v, ok := fields[f]; ok {
			if ids := livedata.NormalizeIDs(v); len(ids) > 0 {
				refs[f] = ids
			}
		}
	}
	if !o.await(o.increfAll(refs)) {
		o.decrefAll(refs)
		return
	}
	o.m.act.emitAdded(o.m.coll.Name(), o.id, fields)
	o.exists = true
	o.values = refs
}

// changed references new foreign key targets before releasing the old ones,
// so a client never sees the edge dangle.
func (o *joinedObserver) changed(d livedata.Delta) {
	if !o.exists {
		return
	}
	next := map[string][]string{}
	for _, f := range o.m.fields {
		v, ok := d[f]
		if !ok {
			continue
		}
		if v.Cleared {
			next[f] = nil
		} else {
			next[f] = livedata.NormalizeIDs(v.V)
		}
	}
	if !o.await(o.increfAll(next)) {
		o.decrefAll(next)
		return
	}
	o.m.act.emitChanged(o.m.coll.Name(), o.id, d)
	for f, ids := range next {
		o.decrefIDs(f, o.values[f])
		if len(ids) == 0 {
			delete(o.values, f)
			continue
		}
		if o.values == nil {
			o.values = map[string][]string{}
		}
		o.values[f] = ids
	}
}

// removed unpublishes first; nothing new has to resolve.
func (o *joinedObserver) removed() {
	if !o.exists {
		return
	}
	o.m.act.emitRemoved(o.m.coll.Name(), o.id)
	o.exists = false
	prev := o.values
	o.values = nil
	o.decrefAll(prev)
}

func (o *joinedObserver) teardown() {
	if o.handle != nil {
		o.handle.Stop()
	}
	o.removed()
}

func (o *joinedObserver) increfAll(refs map[string][]string) []<-chan struct{} {
	var waits []<-chan struct{}
	for f, ids := range refs {
		target := o.m.targets[f]
		for _, id := range ids {
			waits = append(waits, target.incref(id, o))
		}
	}
	return waits
}

func (o *joinedObserver) decrefAll(refs map[string][]string) {
	for f, ids := range refs {
		o.decrefIDs(f, ids)
	}
}

func (o *joinedObserver) decrefIDs(field string, ids []string) {
	target := o.m.targets[field]
	for _, id := range ids {
		target.decref(id)
	}
}

// await blocks until every channel closes. It returns false if the observer
// was destroyed first.
func (o *joinedObserver) await(waits []<-chan struct{}) bool {
	defer o.m.act.waits.clear(o)
	for _, c := range waits {
		select {
		case <-c:
		case <-o.ctx.Done():
			return false
		}
	}
	return true
}

type eventKind int

const (
	evAdded eventKind = iota
	evChanged
	evRemoved
	evInitialized
)

type event struct {
	kind   eventKind
	fields livedata.Fields
	delta  livedata.Delta
}

// eventQueue is an unbounded FIFO; push never blocks the store.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop(ctx context.Context) (event, bool) {
	for {
		if ctx.Err() != nil {
			return event{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return event{}, false
		}
	}
}
