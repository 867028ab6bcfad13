package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livejoin/internal/api"
	"github.com/zoravur/livejoin/internal/config"
	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/logutil"
	"github.com/zoravur/livejoin/internal/protocol"
	"github.com/zoravur/livejoin/internal/publications"
	"github.com/zoravur/livejoin/internal/reactive"
	"github.com/zoravur/livejoin/internal/seed"
	"github.com/zoravur/livejoin/internal/store/memstore"
	"github.com/zoravur/livejoin/internal/store/pgstore"
	"github.com/zoravur/livejoin/internal/wal"
)

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	httpServer *http.Server

	Store        livedata.Store
	Publications *protocol.Registry
	Activations  *reactive.Registry

	pg *pgstore.Store
}

// New wires the store, publications and routes described by cfg.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	log, err := logutil.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)

	s := &Server{cfg: cfg, log: log, Activations: reactive.NewRegistry()}
	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	opts := []reactive.Option{reactive.WithRegistry(s.Activations), reactive.WithLogger(log.Named("reactive"))}
	if cfg.PublicationsFile != "" {
		s.Publications, err = publications.Load(cfg.PublicationsFile, s.Store, opts...)
	} else {
		s.Publications, err = publications.Build(publications.Default(), s.Store, opts...)
	}
	if err != nil {
		s.close()
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: api.SetupRoutes(api.Deps{Publications: s.Publications, Activations: s.Activations}),
	}
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.Store {
	case config.StorePostgres:
		if s.cfg.Migrate {
			if err := pgstore.Migrate(ctx, s.cfg.PGDSN); err != nil {
				return err
			}
		}
		pg, err := pgstore.Open(ctx, s.cfg.PGDSN,
			pgstore.WithLogger(s.log.Named("pgstore")),
			pgstore.WithNotifyChannel(s.cfg.NotifyChannel))
		if err != nil {
			return err
		}
		for _, name := range seed.Collections {
			pg.Define(name)
		}
		s.pg, s.Store = pg, pg
	default:
		mem := memstore.New()
		seed.Define(mem)
		res, err := seed.Populate(ctx, mem, s.cfg.SeedDocs, s.cfg.Seed)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		s.log.Info("seeded memory store",
			logutil.Values(zap.Int("hunts", len(res.Hunts)), zap.Int("puzzles", len(res.Puzzles))))
		s.Store = mem
	}
	return nil
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.pg != nil {
		g.Go(func() error { return s.runFeed(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) runFeed(ctx context.Context) error {
	switch s.cfg.ChangeFeed {
	case config.FeedWAL:
		return wal.DialSidecar(ctx, s.cfg.WALAddr, wal.NewConsumer(s.pg, wal.WithLogger(s.log.Named("wal"))))
	default:
		return wal.ListenNotify(ctx, s.cfg.PGDSN, s.cfg.NotifyChannel, s.pg, s.log.Named("wal"))
	}
}

func (s *Server) close() {
	if s.pg != nil {
		s.pg.Close()
	}
	_ = s.log.Sync()
}
