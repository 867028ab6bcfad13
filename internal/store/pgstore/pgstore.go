// Package pgstore keeps documents in a single Postgres table and turns
// change notifications into live-query deltas.
//
// Live queries are evaluated in process: Observe loads the matching
// documents once, and every Notify re-reads one document and diffs it
// against what each observer last saw. Writes made through the Store notify
// synchronously; writes from elsewhere arrive through a change feed (see
// package wal).
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/store/dispatch"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// NotifyChannelSetting is the session setting the notify trigger reads its
// channel name from.
const NotifyChannelSetting = "livejoin.notify_channel"

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

var gooseMu sync.Mutex

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu          sync.RWMutex
	collections map[string]*Collection
}

type Option func(*options)

type options struct {
	log     *zap.Logger
	channel string
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithNotifyChannel sets the channel the notify trigger publishes on for
// writes made through this store's connections.
func WithNotifyChannel(ch string) Option { return func(o *options) { o.channel = ch } }

func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{log: zap.L().Named("pgstore")}
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if o.channel != "" {
		cfg.ConnConfig.RuntimeParams[NotifyChannelSetting] = o.channel
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, log: o.log, collections: make(map[string]*Collection)}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Define makes name observable, or returns the existing collection.
func (s *Store) Define(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c
	}
	c := &Collection{store: s, name: name, observers: make(map[*observer]struct{})}
	s.collections[name] = c
	return c
}

// Collection implements livedata.Store.
func (s *Store) Collection(name string) (livedata.Collection, error) {
	c, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", livedata.ErrUnknownCollection, name)
	}
	return c, nil
}

func (s *Store) Get(name string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	return c, ok
}

func (s *Store) Insert(ctx context.Context, collection, id string, fields livedata.Fields) error {
	if fields == nil {
		fields = livedata.Fields{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3::jsonb)`,
		collection, id, string(b))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return s.Notify(ctx, collection, id)
}

// Update applies d to the stored document inside a transaction.
func (s *Store) Update(ctx context.Context, collection, id string, d livedata.Delta) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT fields FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			collection, id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		fields, err := decode(raw)
		if err != nil {
			return err
		}
		b, err := json.Marshal(d.Apply(fields))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE documents SET fields = $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, string(b))
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return s.Notify(ctx, collection, id)
}

func (s *Store) Remove(ctx context.Context, collection, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return s.Notify(ctx, collection, id)
}

// SoftRemove marks the document deleted.
func (s *Store) SoftRemove(ctx context.Context, collection, id string) error {
	return s.Update(ctx, collection, id, livedata.Delta{livedata.DeletedField: livedata.Set(true)})
}

// Notify re-reads one document and pushes the resulting deltas to every
// observer of its collection. Undefined collections are ignored.
func (s *Store) Notify(ctx context.Context, collection, id string) error {
	c, ok := s.Get(collection)
	if !ok {
		return nil
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	next, err := s.fetch(ctx, collection, id)
	if err != nil {
		return err
	}
	var evs []dispatch.Event
	for _, o := range c.snapshot() {
		if ev, ok := o.apply(id, next); ok {
			evs = append(evs, ev)
		}
	}
	dispatch.Deliver(evs)
	return nil
}

func (s *Store) fetch(ctx context.Context, collection, id string) (livedata.Fields, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", collection, id, err)
	}
	return decode(raw)
}

type row struct {
	id     string
	fields livedata.Fields
}

func (s *Store) load(ctx context.Context, collection string, sel livedata.Selector) ([]row, error) {
	q, args, err := loadQuery(collection, sel)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			r   row
			raw []byte
		)
		if err := rows.Scan(&r.id, &raw); err != nil {
			return nil, err
		}
		if r.fields, err = decode(raw); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// loadQuery narrows the scan with the selector's id and scalar terms. A
// scalar term uses jsonb containment on the field, which also matches an
// array holding the value. Selector.Matches stays the final check.
func loadQuery(collection string, sel livedata.Selector) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, fields FROM documents WHERE collection = $1`)
	args := []any{collection}
	if id, ok := sel.ID(); ok {
		args = append(args, id)
		fmt.Fprintf(&b, ` AND id = $%d`, len(args))
	}
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == livedata.IDField {
			continue
		}
		switch sel[k].(type) {
		case string, float64, bool:
		default:
			continue
		}
		v, err := json.Marshal(sel[k])
		if err != nil {
			return "", nil, err
		}
		args = append(args, k, string(v))
		fmt.Fprintf(&b, ` AND fields -> $%d::text @> $%d::jsonb`, len(args)-1, len(args))
	}
	b.WriteString(` ORDER BY id`)
	return b.String(), args, nil
}

func decode(raw []byte) (livedata.Fields, error) {
	f := livedata.Fields{}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return f, nil
}
