// Package config loads server settings from LIVEJOIN_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	FeedNotify = "notify"
	FeedWAL    = "wal"
)

type Config struct {
	Addr     string `env:"LIVEJOIN_ADDR"      envDefault:":8080"`
	LogLevel string `env:"LIVEJOIN_LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"LIVEJOIN_LOG_DEV"`

	Store   string `env:"LIVEJOIN_STORE"   envDefault:"memory"`
	PGDSN   string `env:"LIVEJOIN_PG_DSN"`
	Migrate bool   `env:"LIVEJOIN_MIGRATE" envDefault:"true"`

	ChangeFeed    string `env:"LIVEJOIN_CHANGE_FEED"    envDefault:"notify"`
	NotifyChannel string `env:"LIVEJOIN_NOTIFY_CHANNEL" envDefault:"livejoin_documents"`
	WALAddr       string `env:"LIVEJOIN_WAL_ADDR"       envDefault:"localhost:9000"`

	// PublicationsFile is a JSON definition file; empty uses the built-in demo set.
	PublicationsFile string `env:"LIVEJOIN_PUBLICATIONS_FILE"`
	SeedDocs         int    `env:"LIVEJOIN_SEED_DOCS" envDefault:"20"`
	Seed             int64  `env:"LIVEJOIN_SEED"      envDefault:"1"`

	ShutdownTimeout time.Duration `env:"LIVEJOIN_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LIVEJOIN_LOG_LEVEL: %w", err)
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("LIVEJOIN_PG_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("LIVEJOIN_STORE: unknown store %q", c.Store)
	}
	switch c.ChangeFeed {
	case FeedNotify, FeedWAL:
	default:
		return fmt.Errorf("LIVEJOIN_CHANGE_FEED: unknown feed %q", c.ChangeFeed)
	}
	if c.SeedDocs < 0 {
		return fmt.Errorf("LIVEJOIN_SEED_DOCS must not be negative")
	}
	return nil
}

// Relay configures cmd/walrelay, which reads a wal2json slot and serves it
// to LIVEJOIN_CHANGE_FEED=wal servers.
type Relay struct {
	Addr       string `env:"LIVEJOIN_RELAY_ADDR"        envDefault:":9000"`
	LogLevel   string `env:"LIVEJOIN_LOG_LEVEL"         envDefault:"info"`
	LogDev     bool   `env:"LIVEJOIN_LOG_DEV"`
	PGDSN      string `env:"LIVEJOIN_PG_DSN,required"`
	Slot       string `env:"LIVEJOIN_RELAY_SLOT"        envDefault:"livejoin_slot"`
	CreateSlot bool   `env:"LIVEJOIN_RELAY_CREATE_SLOT" envDefault:"true"`

	StandbyInterval time.Duration `env:"LIVEJOIN_RELAY_STANDBY_INTERVAL" envDefault:"10s"`
}

func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("LIVEJOIN_LOG_LEVEL: %w", err)
	}
	return cfg, nil
}
