// Command walrelay reads a wal2json logical replication slot and relays each
// message to TCP clients, one JSON document per line.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livejoin/internal/config"
	"github.com/zoravur/livejoin/internal/logutil"
	"github.com/zoravur/livejoin/internal/wal"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log, err := logutil.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal("listen", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	log.Info("relay listening", zap.String("addr", cfg.Addr), zap.String("slot", cfg.Slot))

	b := wal.NewBroadcaster(log.Named("relay"))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wal.ServeRelay(gctx, ln, b) })
	g.Go(func() error {
		return wal.Replicate(gctx, wal.ReplicationConfig{
			DSN:             cfg.PGDSN,
			Slot:            cfg.Slot,
			CreateSlot:      cfg.CreateSlot,
			StandbyInterval: cfg.StandbyInterval,
		}, b, log.Named("replication"))
	})
	if err := g.Wait(); err != nil {
		log.Error("relay exited", zap.Error(err))
	}
}
