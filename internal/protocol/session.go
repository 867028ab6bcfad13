package protocol

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/merge"
	"github.com/zoravur/livejoin/internal/metrics"
)

// Conn is the write side of a client connection; *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
}

// Session is one client connection. All of its subscriptions feed a single
// merger, so a document shared by several subscriptions reaches the client
// once.
type Session struct {
	ID string

	conn Conn
	wmu  sync.Mutex
	log  *zap.Logger
	pubs *Registry

	ctx    context.Context
	cancel context.CancelFunc
	merger *merge.Merger

	mu     sync.Mutex
	subs   map[string]*merge.Sub
	closed bool
}

type SessionOption func(*Session)

func WithLogger(l *zap.Logger) SessionOption { return func(s *Session) { s.log = l } }

func NewSession(ctx context.Context, id string, conn Conn, pubs *Registry, opts ...SessionOption) *Session {
	s := &Session{
		ID:   id,
		conn: conn,
		log:  zap.L().Named("protocol"),
		pubs: pubs,
		subs: make(map[string]*merge.Sub),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("session", id))
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.merger = merge.NewMerger(&wireSink{s: s}, merge.WithLogger(s.log))
	metrics.Sessions.Inc()
	return s
}

// Close stops every subscription. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subs = make(map[string]*merge.Sub)
	s.mu.Unlock()

	s.cancel()
	s.merger.Close()
	metrics.Sessions.Dec()
	s.log.Debug("session closed")
}

// Subs returns the number of running subscriptions.
func (s *Session) Subs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Session) send(v any) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Debug("write failed", zap.Error(err))
	}
}

// endSub stops sub id and tells the client, reporting err when set.
func (s *Session) endSub(id string, sub *merge.Sub, err error) {
	s.mu.Lock()
	owned := s.subs[id] == sub
	if owned {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !owned {
		return
	}
	sub.Stop()
	msg := NoSub{Type: TypeNoSub, ID: id}
	if err != nil {
		msg.Error = err.Error()
	}
	s.send(msg)
}

// wireSink is the merger's outward sink: it writes merged events to the
// client. The merger serialises calls into it.
type wireSink struct {
	s *Session
}

func (w *wireSink) Added(coll, id string, f livedata.Fields) {
	w.s.send(Added{Type: TypeAdded, Collection: coll, ID: id, Fields: f})
}

func (w *wireSink) Changed(coll, id string, d livedata.Delta) {
	set, cleared := d.Split()
	w.s.send(Changed{Type: TypeChanged, Collection: coll, ID: id, Fields: set, Cleared: cleared})
}

func (w *wireSink) Removed(coll, id string) {
	w.s.send(Removed{Type: TypeRemoved, Collection: coll, ID: id})
}

func (w *wireSink) Ready() {}

func (w *wireSink) Error(err error) {
	w.s.send(Error{Type: TypeError, Reason: err.Error()})
}

func (w *wireSink) OnStop(func()) {}
