package reactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/metrics"
)

// Activation is one running joined query: the root live query plus the
// observer graph it drives. It stops when its sink stops.
type Activation struct {
	ID      string
	Root    string
	Started time.Time

	sink  livedata.Sink
	store livedata.Store
	spec  *Spec
	log   *zap.Logger
	reg   *Registry

	ctx    context.Context
	cancel context.CancelFunc
	maps   map[string]*observerMap
	order  []string
	waits  *waitGraph
	wg     sync.WaitGroup
	done   chan struct{}

	mu         sync.Mutex
	stopped    bool
	rootHandle livedata.Handle
	timers     map[*time.Timer]struct{}
	stopOnce   sync.Once
	// unwatch detaches Stop from the caller's context.
	unwatch func() bool
}

// PublishJoinedQuery publishes every document of spec.Collection matching sel,
// together with the documents its foreign keys reach, into sink.
//
// A spec that cannot be published is reported as a *ConfigurationError before
// any query is opened. Everything after that is asynchronous: sink.Ready is
// called once the initial result set is fully joined and published, and
// live-query failures are reported through sink.Error.
func PublishJoinedQuery(ctx context.Context, sink livedata.Sink, store livedata.Store, spec *Spec, sel livedata.Selector, opts ...Option) (*Activation, error) {
	if err := Validate(store, spec); err != nil {
		return nil, err
	}
	cfg := config{log: zap.L().Named("reactive")}
	for _, o := range opts {
		o(&cfg)
	}

	actx, cancel := context.WithCancel(context.Background())
	a := &Activation{
		ID:      uuid.NewString(),
		Root:    spec.Collection,
		Started: time.Now(),
		sink:    sink,
		store:   store,
		spec:    spec,
		reg:     cfg.registry,
		ctx:     actx,
		cancel:  cancel,
		maps:    make(map[string]*observerMap),
		waits:   newWaitGraph(),
		done:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
	a.log = cfg.log.With(zap.String("activation", a.ID), zap.String("root", spec.Collection))

	root, err := a.addObservers(spec)
	if err != nil {
		cancel()
		return nil, err
	}
	warnNestedLinger(a.log, spec)

	coll, err := store.Collection(spec.Collection)
	if err != nil {
		cancel()
		return nil, &ConfigurationError{Collection: spec.Collection, Reason: err.Error()}
	}

	// The ready waiter is counted before OnStop can possibly run Stop.
	a.wg.Add(1)
	if a.reg != nil {
		a.reg.Register(a)
	}
	metrics.Activations.Inc()
	a.mu.Lock()
	a.unwatch = context.AfterFunc(ctx, a.Stop)
	a.mu.Unlock()
	sink.OnStop(a.Stop)

	var (
		initMu   sync.Mutex
		initial  = true
		blockers []<-chan struct{}
	)
	h, err := coll.Observe(a.ctx, livedata.Query{
		Selector:       sel,
		IDsOnly:        true,
		IncludeDeleted: spec.AllowDeleted,
	}, livedata.Observer{
		Added: func(id string, _ livedata.Fields) {
			ready := root.incref(id, nil)
			initMu.Lock()
			if initial {
				blockers = append(blockers, ready)
			}
			initMu.Unlock()
		},
		Removed: func(id string) { a.rootRemoved(root, id) },
	})
	if err != nil {
		a.wg.Done()
		if a.ctx.Err() == nil {
			a.log.Error("observe root query failed", zap.Error(err))
			sink.Error(fmt.Errorf("observe %s: %w", spec.Collection, err))
		}
		return a, nil
	}
	a.setRootHandle(h)

	initMu.Lock()
	initial = false
	pending := blockers
	initMu.Unlock()

	go a.awaitReady(pending)
	return a, nil
}

func (a *Activation) awaitReady(pending []<-chan struct{}) {
	defer a.wg.Done()
	for _, c := range pending {
		select {
		case <-c:
		case <-a.ctx.Done():
			return
		}
	}
	a.log.Debug("initial result set published", zap.Int("documents", len(pending)))
	a.sink.Ready()
}

func (a *Activation) setRootHandle(h livedata.Handle) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		h.Stop()
		return
	}
	a.rootHandle = h
	a.mu.Unlock()
}

func (a *Activation) rootRemoved(root *observerMap, id string) {
	linger := a.spec.Linger
	if linger <= 0 {
		root.decref(id)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(linger, func() {
		a.mu.Lock()
		delete(a.timers, t)
		a.mu.Unlock()
		root.decref(id)
	})
	a.timers[t] = struct{}{}
}

// Stop tears down the root query and every observer. It is idempotent.
func (a *Activation) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()

		a.mu.Lock()
		a.stopped = true
		h := a.rootHandle
		timers := a.timers
		a.timers = nil
		unwatch := a.unwatch
		a.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		if h != nil {
			h.Stop()
		}
		for t := range timers {
			t.Stop()
		}
		for _, name := range a.order {
			a.maps[name].shutdown()
		}
		if a.reg != nil {
			a.reg.Unregister(a.ID)
		}
		metrics.Activations.Dec()
		a.log.Debug("activation stopped")

		go func() {
			a.wg.Wait()
			close(a.done)
		}()
	})
}

// Done closes once Stop has run and every observer finished its teardown.
func (a *Activation) Done() <-chan struct{} { return a.done }

// Stats returns the number of tracked documents per collection.
func (a *Activation) Stats() map[string]int {
	out := make(map[string]int, len(a.maps))
	for name, m := range a.maps {
		out[name] = m.size()
	}
	return out
}

func (a *Activation) emitAdded(coll, id string, f livedata.Fields) {
	metrics.Forwarded.WithLabelValues("added").Inc()
	a.sink.Added(coll, id, f)
}

func (a *Activation) emitChanged(coll, id string, d livedata.Delta) {
	metrics.Forwarded.WithLabelValues("changed").Inc()
	a.sink.Changed(coll, id, d)
}

func (a *Activation) emitRemoved(coll, id string) {
	metrics.Forwarded.WithLabelValues("removed").Inc()
	a.sink.Removed(coll, id)
}

func warnNestedLinger(log *zap.Logger, spec *Spec) {
	visited := map[*Spec]bool{}
	var walk func(*Spec, bool)
	walk = func(s *Spec, root bool) {
		if s == nil || visited[s] {
			return
		}
		visited[s] = true
		if !root && s.Linger > 0 {
			log.Warn("linger is only honored on the root spec", zap.String("collection", s.Collection))
		}
		for _, fk := range s.ForeignKeys {
			walk(fk.Join, false)
		}
	}
	walk(spec, true)
}
