package reactive

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks running activations for introspection.
type Registry struct {
	mu   sync.RWMutex
	data map[string]*Activation
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Activation)}
}

func (r *Registry) Register(a *Activation) {
	r.mu.Lock()
	r.data[a.ID] = a
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Activation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.data[id]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// ActivationView is the JSON shape served by /api/live.
type ActivationView struct {
	ID          string         `json:"id"`
	Root        string         `json:"root"`
	Collections []string       `json:"collections"`
	Documents   map[string]int `json:"documents"`
	Started     time.Time      `json:"started"`
}

// SnapshotView returns every running activation, oldest first.
func (r *Registry) SnapshotView() []ActivationView {
	r.mu.RLock()
	acts := make([]*Activation, 0, len(r.data))
	for _, a := range r.data {
		acts = append(acts, a)
	}
	r.mu.RUnlock()

	sort.Slice(acts, func(i, j int) bool { return acts[i].Started.Before(acts[j].Started) })
	out := make([]ActivationView, 0, len(acts))
	for _, a := range acts {
		out = append(out, ActivationView{
			ID:          a.ID,
			Root:        a.Root,
			Collections: append([]string(nil), a.order...),
			Documents:   a.Stats(),
			Started:     a.Started,
		})
	}
	return out
}
