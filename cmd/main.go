package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/app"
	"github.com/zoravur/livejoin/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	ctx := context.Background()
	srv, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		zap.L().Fatal("server exited", zap.Error(err))
	}
}
