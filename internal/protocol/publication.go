package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/merge"
	"github.com/zoravur/livejoin/internal/reactive"
)

// JoinedPublication publishes spec with a selector built from the client
// params named in params. Every declared param is required and must be a
// scalar; undeclared params are ignored.
func JoinedPublication(store livedata.Store, spec *reactive.Spec, params []string, opts ...reactive.Option) Handler {
	return func(ctx context.Context, sink livedata.Sink, given map[string]any) error {
		sel, err := selectorFor(params, given)
		if err != nil {
			return err
		}
		_, err = reactive.PublishJoinedQuery(ctx, sink, store, spec, sel, opts...)
		return err
	}
}

func selectorFor(names []string, given map[string]any) (livedata.Selector, error) {
	if len(names) == 0 {
		return nil, nil
	}
	sel := make(livedata.Selector, len(names))
	for _, n := range names {
		v, ok := given[n]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrBadParams, n)
		}
		switch v.(type) {
		case string, float64, bool:
		default:
			return nil, fmt.Errorf("%w: %q must be a string, number or bool", ErrBadParams, n)
		}
		sel[n] = v
	}
	return sel, nil
}

// MergedPublication runs every handler into its own sub of a private merger
// whose output is sink. sink becomes ready once all of them are, and stopping
// sink stops all of them.
func MergedPublication(handlers ...Handler) Handler {
	return func(ctx context.Context, sink livedata.Sink, params map[string]any) error {
		if len(handlers) == 0 {
			sink.Ready()
			return nil
		}
		inner := merge.NewMerger(sink)
		sink.OnStop(inner.Close)

		var mu sync.Mutex
		pending := len(handlers)
		ready := func() {
			mu.Lock()
			pending--
			last := pending == 0
			mu.Unlock()
			if last {
				sink.Ready()
			}
		}
		for _, h := range handlers {
			sub := inner.NewSub(merge.WithReady(ready), merge.WithError(sink.Error))
			if err := h(ctx, sub, params); err != nil {
				inner.Close()
				return err
			}
		}
		return nil
	}
}
