// Package publications loads named publication definitions from JSON and
// turns them into a protocol.Registry.
package publications

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/protocol"
	"github.com/zoravur/livejoin/internal/reactive"
)

//go:embed default.json
var defaultJSON []byte

type File struct {
	Publications []Definition `json:"publications"`
}

// Definition is either a joined query (Spec, Params) or a merge of other
// publications by name.
type Definition struct {
	Name   string   `json:"name"`
	Spec   *Spec    `json:"spec,omitempty"`
	Params []string `json:"params,omitempty"`
	Merge  []string `json:"merge,omitempty"`
}

type Spec struct {
	Collection   string       `json:"collection"`
	AllowDeleted bool         `json:"allowDeleted,omitempty"`
	Projection   []string     `json:"projection,omitempty"`
	ForeignKeys  []ForeignKey `json:"foreignKeys,omitempty"`
	Linger       string       `json:"linger,omitempty"`
}

type ForeignKey struct {
	Field string `json:"field"`
	Join  *Spec  `json:"join"`
}

// Default returns the built-in demo definitions.
func Default() File {
	f, err := Decode(defaultJSON)
	if err != nil {
		panic(fmt.Sprintf("publications: bad built-in definitions: %v", err))
	}
	return f
}

func Decode(data []byte) (File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode publications: %w", err)
	}
	return f, nil
}

// Load reads definitions from path and builds them against store.
func Load(path string, store livedata.Store, opts ...reactive.Option) (*protocol.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publications: %w", err)
	}
	return Parse(data, store, opts...)
}

func Parse(data []byte, store livedata.Store, opts ...reactive.Option) (*protocol.Registry, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Build(f, store, opts...)
}

// Build validates every joined spec against store and registers the
// publications. Merges may reference joined publications and earlier merges.
func Build(f File, store livedata.Store, opts ...reactive.Option) (*protocol.Registry, error) {
	reg := protocol.NewRegistry()
	handlers := make(map[string]protocol.Handler, len(f.Publications))

	for _, d := range f.Publications {
		if d.Name == "" {
			return nil, fmt.Errorf("publication without name")
		}
		if d.Spec == nil {
			continue
		}
		if len(d.Merge) > 0 {
			return nil, fmt.Errorf("publication %q: spec and merge are exclusive", d.Name)
		}
		spec, err := d.Spec.compile()
		if err != nil {
			return nil, fmt.Errorf("publication %q: %w", d.Name, err)
		}
		if err := reactive.Validate(store, spec); err != nil {
			return nil, fmt.Errorf("publication %q: %w", d.Name, err)
		}
		handlers[d.Name] = protocol.JoinedPublication(store, spec, d.Params, opts...)
		if err := reg.Publish(d.Name, handlers[d.Name]); err != nil {
			return nil, err
		}
	}

	for _, d := range f.Publications {
		if d.Spec != nil {
			continue
		}
		if len(d.Merge) == 0 {
			return nil, fmt.Errorf("publication %q: needs spec or merge", d.Name)
		}
		parts := make([]protocol.Handler, 0, len(d.Merge))
		for _, name := range d.Merge {
			h, ok := handlers[name]
			if !ok {
				return nil, fmt.Errorf("publication %q: merges unknown publication %q", d.Name, name)
			}
			parts = append(parts, h)
		}
		handlers[d.Name] = protocol.MergedPublication(parts...)
		if err := reg.Publish(d.Name, handlers[d.Name]); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *Spec) compile() (*reactive.Spec, error) {
	if s == nil {
		return nil, nil
	}
	out := &reactive.Spec{
		Collection:   s.Collection,
		AllowDeleted: s.AllowDeleted,
		Projection:   livedata.Projection(s.Projection),
	}
	if s.Linger != "" {
		d, err := time.ParseDuration(s.Linger)
		if err != nil {
			return nil, fmt.Errorf("%s: linger: %w", s.Collection, err)
		}
		out.Linger = d
	}
	for _, fk := range s.ForeignKeys {
		join, err := fk.Join.compile()
		if err != nil {
			return nil, err
		}
		out.ForeignKeys = append(out.ForeignKeys, reactive.ForeignKey{Field: fk.Field, Join: join})
	}
	return out, nil
}
