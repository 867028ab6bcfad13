package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
)

var (
	ErrUnknownPublication = errors.New("unknown publication")
	ErrDuplicateSub       = errors.New("duplicate subscription id")
	ErrBadParams          = errors.New("bad publication params")
)

// Handler starts a publication into sink. It must not block on readiness:
// the publication reports it with sink.Ready and stops when sink stops.
type Handler func(ctx context.Context, sink livedata.Sink, params map[string]any) error

// Registry maps publication names to handlers.
type Registry struct {
	mu   sync.RWMutex
	pubs map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{pubs: make(map[string]Handler)}
}

func (r *Registry) Publish(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubs[name]; ok {
		return fmt.Errorf("publication %q already defined", name)
	}
	r.pubs[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.pubs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPublication, name)
	}
	return h, nil
}

// Names returns the registered publication names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pubs))
	for n := range r.pubs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
