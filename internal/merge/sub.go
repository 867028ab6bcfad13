package merge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
)

// Sub is one pipeline's input into a Merger. It implements livedata.Sink.
// Once stopped it silently drops further writes.
type Sub struct {
	merger  *Merger
	onReady func()
	onError func(error)
	ready   chan struct{}

	mu        sync.Mutex
	stopped   bool
	stops     []func()
	readyOnce sync.Once
}

type SubOption func(*Sub)

// WithReady runs fn when the pipeline reports ready.
func WithReady(fn func()) SubOption { return func(s *Sub) { s.onReady = fn } }

// WithError handles pipeline errors instead of forwarding them outward.
func WithError(fn func(error)) SubOption { return func(s *Sub) { s.onError = fn } }

func (s *Sub) Added(coll, id string, f livedata.Fields) {
	m := s.merger
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.isStopped() {
		return
	}
	m.added(s, coll, id, f)
}

func (s *Sub) Changed(coll, id string, d livedata.Delta) {
	m := s.merger
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.isStopped() {
		return
	}
	m.changed(s, coll, id, d)
}

func (s *Sub) Removed(coll, id string) {
	m := s.merger
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.isStopped() {
		return
	}
	m.removed(s, coll, id)
}

func (s *Sub) Ready() {
	if s.isStopped() {
		return
	}
	s.readyOnce.Do(func() {
		close(s.ready)
		if s.onReady != nil {
			s.onReady()
		}
	})
}

// ReadyC closes once Ready has been called.
func (s *Sub) ReadyC() <-chan struct{} { return s.ready }

func (s *Sub) Error(err error) {
	if s.isStopped() {
		return
	}
	if s.onError != nil {
		s.onError(err)
		return
	}
	s.merger.log.Warn("sub error", zap.Error(err))
	s.merger.out.Error(err)
}

// OnStop registers fn to run when the sub stops; on a stopped sub it runs
// immediately.
func (s *Sub) OnStop(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		fn()
		return
	}
	s.stops = append(s.stops, fn)
	s.mu.Unlock()
}

// Stop removes the sub from its merger. It is idempotent.
func (s *Sub) Stop() { s.merger.RemoveSub(s) }

func (s *Sub) Stopped() bool { return s.isStopped() }

func (s *Sub) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Sub) markStopped() ([]func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	s.stopped = true
	stops := s.stops
	s.stops = nil
	return stops, true
}
