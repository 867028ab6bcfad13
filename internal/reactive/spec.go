package reactive

import (
	"errors"
	"fmt"
	"time"

	"github.com/zoravur/livejoin/internal/livedata"
)

// Spec describes a published collection and the collections it joins to.
// Specs are built once at start-up and must not be mutated afterwards.
type Spec struct {
	Collection   string
	AllowDeleted bool
	// Projection limits the published fields; it must name every foreign key field.
	Projection  livedata.Projection
	ForeignKeys []ForeignKey
	// Linger delays unpublishing a document that left the root query.
	// Only the root spec's Linger is honored.
	Linger time.Duration
}

// ForeignKey publishes the documents of Join whose ids appear in Field.
// The field may hold a single id or a list of ids.
type ForeignKey struct {
	Field string
	Join  *Spec
}

// ConfigurationError reports a spec that cannot be published.
type ConfigurationError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("publish spec %s.%s: %s", e.Collection, e.Field, e.Reason)
	}
	return fmt.Sprintf("publish spec %s: %s", e.Collection, e.Reason)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Validate checks a spec tree against the store. It does not open any query.
func Validate(store livedata.Store, spec *Spec) error {
	return validate(store, spec, map[*Spec]bool{})
}

func validate(store livedata.Store, spec *Spec, path map[*Spec]bool) error {
	if spec == nil {
		return &ConfigurationError{Reason: "nil spec"}
	}
	if spec.Collection == "" {
		return &ConfigurationError{Reason: "empty collection name"}
	}
	if path[spec] {
		return &ConfigurationError{Collection: spec.Collection, Reason: "spec tree contains a cycle"}
	}
	path[spec] = true
	defer delete(path, spec)

	coll, err := store.Collection(spec.Collection)
	if err != nil {
		return &ConfigurationError{Collection: spec.Collection, Reason: err.Error()}
	}
	if spec.AllowDeleted && !coll.SupportsDeleted() {
		return &ConfigurationError{Collection: spec.Collection, Reason: "allowDeleted requested but collection does not support soft delete"}
	}
	for _, fk := range spec.ForeignKeys {
		if fk.Field == "" {
			return &ConfigurationError{Collection: spec.Collection, Reason: "foreign key with empty field"}
		}
		if fk.Join == nil {
			return &ConfigurationError{Collection: spec.Collection, Field: fk.Field, Reason: "foreign key without join"}
		}
		if !spec.Projection.Includes(fk.Field) {
			return &ConfigurationError{Collection: spec.Collection, Field: fk.Field, Reason: "foreign key field missing from projection"}
		}
		if err := validate(store, fk.Join, path); err != nil {
			return err
		}
	}
	return nil
}

// Collections returns every collection name reachable from spec, root first,
// each listed once.
func (s *Spec) Collections() []string {
	var out []string
	seen := map[string]bool{}
	visited := map[*Spec]bool{}
	var walk func(*Spec)
	walk = func(sp *Spec) {
		if sp == nil || visited[sp] {
			return
		}
		visited[sp] = true
		if !seen[sp.Collection] {
			seen[sp.Collection] = true
			out = append(out, sp.Collection)
		}
		for _, fk := range sp.ForeignKeys {
			walk(fk.Join)
		}
	}
	walk(s)
	return out
}
