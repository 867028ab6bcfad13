// Package wal turns database change streams into document notifications.
// Two feeds are supported: wal2json output relayed by the replication
// sidecar, and LISTEN/NOTIFY payloads from the documents trigger.
package wal

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Notifier re-evaluates one document; pgstore.Store implements it.
type Notifier interface {
	Notify(ctx context.Context, collection, id string) error
}

// wal2json (format v1) envelope.
type Envelope struct {
	Change []Change `json:"change"`
}

type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

// DocRef names one document.
type DocRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type Consumer struct {
	notifier Notifier
	table    string
	log      *zap.Logger
}

type ConsumerOption func(*Consumer)

// WithTable sets the watched table name; the default is "documents".
func WithTable(name string) ConsumerOption { return func(c *Consumer) { c.table = name } }

func WithLogger(l *zap.Logger) ConsumerOption { return func(c *Consumer) { c.log = l } }

func NewConsumer(n Notifier, opts ...ConsumerOption) *Consumer {
	c := &Consumer{notifier: n, table: "documents", log: zap.L().Named("wal")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnMessage handles one wal2json envelope and returns the documents it
// notified. Changes to other tables are ignored.
func (c *Consumer) OnMessage(ctx context.Context, line []byte) ([]DocRef, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode wal message: %w", err)
	}
	var out []DocRef
	for _, ch := range env.Change {
		if ch.Table != c.table {
			continue
		}
		for _, ref := range ch.refs() {
			if err := c.notifier.Notify(ctx, ref.Collection, ref.ID); err != nil {
				return out, fmt.Errorf("notify %s/%s: %w", ref.Collection, ref.ID, err)
			}
			out = append(out, ref)
		}
	}
	if len(out) > 0 {
		c.log.Debug("wal changes", zap.Int("documents", len(out)))
	}
	return out, nil
}

// refs returns the documents a change touches: the new row and, when the
// key moved or the row was deleted, the old one.
func (ch Change) refs() []DocRef {
	var out []DocRef
	if ref, ok := refFrom(ch.ColumnNames, ch.ColumnValues); ok {
		out = append(out, ref)
	}
	if ref, ok := refFrom(ch.OldKeys.KeyNames, ch.OldKeys.KeyValues); ok {
		if len(out) == 0 || out[0] != ref {
			out = append(out, ref)
		}
	}
	return out
}

func refFrom(names []string, values []any) (DocRef, bool) {
	var ref DocRef
	for i, n := range names {
		if i >= len(values) {
			break
		}
		s, _ := values[i].(string)
		switch n {
		case "collection":
			ref.Collection = s
		case "id":
			ref.ID = s
		}
	}
	return ref, ref.Collection != "" && ref.ID != ""
}
