package livedata

import (
	"context"
	"errors"
	"reflect"
)

// ErrUnknownCollection is returned by a Store that has no collection by that name.
var ErrUnknownCollection = errors.New("unknown collection")

// IDField is the selector key that matches the document id.
const IDField = "_id"

// DeletedField marks a soft-deleted document when it holds true.
const DeletedField = "deleted"

// Selector matches documents by field equality. A scalar value also matches
// an array field that contains it.
type Selector map[string]any

// Matches reports whether the document satisfies s. Soft-deleted documents
// never match unless includeDeleted is set.
func (s Selector) Matches(id string, fields Fields, includeDeleted bool) bool {
	if !includeDeleted {
		if d, ok := fields[DeletedField].(bool); ok && d {
			return false
		}
	}
	for k, want := range s {
		if k == IDField {
			if !matchValue(id, want) {
				return false
			}
			continue
		}
		got, ok := fields[k]
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	switch g := got.(type) {
	case []any:
		for _, e := range g {
			if reflect.DeepEqual(e, want) {
				return true
			}
		}
	case []string:
		if w, ok := want.(string); ok {
			for _, e := range g {
				if e == w {
					return true
				}
			}
		}
	}
	return false
}

// ID returns the id selected by s, if s pins a single document.
func (s Selector) ID() (string, bool) {
	id, ok := s[IDField].(string)
	return id, ok
}

// Query describes a live query against one collection.
type Query struct {
	Selector       Selector
	Projection     Projection
	IDsOnly        bool
	IncludeDeleted bool
}

// Project applies the query's projection to a document.
func (q Query) Project(f Fields) Fields {
	if q.IDsOnly {
		return Fields{}
	}
	return q.Projection.Apply(f)
}

// Observer receives the deltas of a live query.
type Observer struct {
	Added   func(id string, fields Fields)
	Changed func(id string, delta Delta)
	Removed func(id string)
}

// Handle stops a live query. Stop is idempotent.
type Handle interface {
	Stop()
}

// Collection is one named document collection of a reactive store.
//
// Observe delivers Added for the whole initial result set before it returns and
// then keeps delivering deltas until the handle is stopped. Callbacks for one
// handle never run concurrently with each other and must not block.
type Collection interface {
	Name() string
	SupportsDeleted() bool
	Observe(ctx context.Context, q Query, obs Observer) (Handle, error)
}

// Store resolves collections by name.
type Store interface {
	Collection(name string) (Collection, error)
}

// Sink is the downstream receiver of published documents. Implementations
// must be safe for concurrent use.
type Sink interface {
	Added(collection, id string, fields Fields)
	Changed(collection, id string, delta Delta)
	Removed(collection, id string)
	Ready()
	Error(err error)
	// OnStop registers fn to run when the sink stops.
	OnStop(fn func())
}
