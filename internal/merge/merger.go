// Package merge combines several independently driven publications into one
// outward feed. Every pipeline writes into its own Sub; the Merger keeps a
// per-field list of contributions and forwards only changes to the visible
// value.
package merge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/logutil"
	"github.com/zoravur/livejoin/internal/metrics"
)

// Merger is safe for concurrent use. Outward events are emitted while the
// merger lock is held, so the outward sink sees them in mutation order and
// must not call back into the merger.
type Merger struct {
	mu          sync.Mutex
	out         livedata.Sink
	log         *zap.Logger
	collections map[string]*collectionView
	subs        map[*Sub]struct{}
}

type Option func(*Merger)

func WithLogger(l *zap.Logger) Option { return func(m *Merger) { m.log = l } }

func NewMerger(out livedata.Sink, opts ...Option) *Merger {
	m := &Merger{
		out:         out,
		log:         zap.L().Named("merge"),
		collections: make(map[string]*collectionView),
		subs:        make(map[*Sub]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewSub returns a new pipeline input.
func (m *Merger) NewSub(opts ...SubOption) *Sub {
	s := &Sub{merger: m, ready: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	metrics.MergeSubs.Inc()
	return s
}

// RemoveSub stops s and withdraws everything it contributed.
func (m *Merger) RemoveSub(s *Sub) {
	stops, ok := s.markStopped()
	if !ok {
		return
	}
	// Stop callbacks may publish teardown events; s already drops them.
	for _, fn := range stops {
		fn()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s)
	metrics.MergeSubs.Dec()
	for name, cv := range m.collections {
		for id, dv := range cv.docs {
			if _, ok := dv.subs[s]; ok {
				m.removed(s, name, id)
			}
		}
		if len(cv.docs) == 0 {
			delete(m.collections, name)
		}
	}
}

// Close removes every sub.
func (m *Merger) Close() {
	m.mu.Lock()
	subs := make([]*Sub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		m.RemoveSub(s)
	}
}

// Len returns the number of merged documents in coll.
func (m *Merger) Len(coll string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cv := m.collections[coll]; cv != nil {
		return len(cv.docs)
	}
	return 0
}

// Subs returns the number of live subs.
func (m *Merger) Subs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Merger) emitAdded(coll, id string, f livedata.Fields) {
	metrics.MergeEvents.WithLabelValues("added").Inc()
	m.out.Added(coll, id, f)
}

func (m *Merger) emitChanged(coll, id string, d livedata.Delta) {
	if len(d) == 0 {
		return
	}
	metrics.MergeEvents.WithLabelValues("changed").Inc()
	m.out.Changed(coll, id, d)
}

func (m *Merger) emitRemoved(coll, id string) {
	metrics.MergeEvents.WithLabelValues("removed").Inc()
	m.out.Removed(coll, id)
}

func zapDoc(coll, id string) zap.Field {
	return logutil.Values(zap.String("collection", coll), zap.String("id", id))
}
