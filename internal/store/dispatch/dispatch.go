// Package dispatch holds the callback delivery shared by the document stores.
package dispatch

import (
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
)

type Kind int

const (
	Added Kind = iota
	Changed
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Target is the callback side of one live query. Once stopped it receives
// nothing, including events computed before Stop.
type Target struct {
	cb      livedata.Observer
	mu      sync.Mutex
	stopped bool
}

func NewTarget(cb livedata.Observer) *Target { return &Target{cb: cb} }

func (t *Target) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Target) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Event is one pending callback.
type Event struct {
	Target *Target
	Kind   Kind
	ID     string
	Fields livedata.Fields
	Delta  livedata.Delta
}

// Deliver runs evs in order. Callers hold their collection's dispatch lock,
// which is what keeps every target's callbacks serial.
func Deliver(evs []Event) {
	for _, ev := range evs {
		if !ev.Target.Live() {
			continue
		}
		cb := ev.Target.cb
		switch ev.Kind {
		case Added:
			if cb.Added != nil {
				cb.Added(ev.ID, ev.Fields)
			}
		case Changed:
			if cb.Changed != nil {
				cb.Changed(ev.ID, ev.Delta)
			}
		case Removed:
			if cb.Removed != nil {
				cb.Removed(ev.ID)
			}
		}
	}
}
