package protocol

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/merge"
)

// HandleMessage handles one message received from the client.
func (s *Session) HandleMessage(raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		s.log.Warn("bad client message", zap.Error(err))
		s.send(Error{Type: TypeError, Reason: err.Error()})
		return
	}

	switch msg.Type {
	case TypePing:
		s.send(Pong{Type: TypePong, ID: msg.ID})
	case TypeSub:
		s.subscribe(msg)
	case TypeUnsub:
		s.unsubscribe(msg.ID)
	default:
		s.send(Error{Type: TypeError, Reason: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Session) subscribe(msg Message) {
	if msg.ID == "" {
		s.send(Error{Type: TypeError, Reason: "SUB without id"})
		return
	}
	log := s.log.With(zap.String("sub", msg.ID), zap.String("publication", msg.Name))

	h, err := s.pubs.Lookup(msg.Name)
	if err != nil {
		log.Info("subscription refused", zap.Error(err))
		s.send(NoSub{Type: TypeNoSub, ID: msg.ID, Error: err.Error()})
		return
	}

	var sub *merge.Sub
	sub = s.merger.NewSub(
		merge.WithReady(func() {
			s.send(Ready{Type: TypeReady, Subs: []string{msg.ID}})
		}),
		merge.WithError(func(err error) {
			log.Error("subscription failed", zap.Error(err))
			s.endSub(msg.ID, sub, err)
		}),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Stop()
		return
	}
	if _, dup := s.subs[msg.ID]; dup {
		s.mu.Unlock()
		sub.Stop()
		s.send(Error{Type: TypeError, Reason: fmt.Sprintf("%v: %q", ErrDuplicateSub, msg.ID)})
		return
	}
	s.subs[msg.ID] = sub
	s.mu.Unlock()

	log.Debug("subscribing")
	if err := h(s.ctx, sub, msg.Params); err != nil {
		log.Info("publication rejected subscription", zap.Error(err))
		s.endSub(msg.ID, sub, err)
	}
}

func (s *Session) unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		s.send(NoSub{Type: TypeNoSub, ID: id})
		return
	}
	s.endSub(id, sub, nil)
}
