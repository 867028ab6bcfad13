package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" || cfg.Store != StoreMemory || cfg.ChangeFeed != FeedNotify {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Migrate || cfg.SeedDocs != 20 || cfg.Seed != 1 || cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.NotifyChannel != "livejoin_documents" {
		t.Errorf("NotifyChannel = %q", cfg.NotifyChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LIVEJOIN_STORE", "postgres")
	t.Setenv("LIVEJOIN_PG_DSN", "postgres://localhost/livejoin")
	t.Setenv("LIVEJOIN_CHANGE_FEED", "wal")
	t.Setenv("LIVEJOIN_SHUTDOWN_TIMEOUT", "250ms")
	t.Setenv("LIVEJOIN_MIGRATE", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store != StorePostgres || cfg.ChangeFeed != FeedWAL || cfg.Migrate || cfg.ShutdownTimeout != 250*time.Millisecond {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := Config{LogLevel: "info", Store: StoreMemory, ChangeFeed: FeedNotify}
	cases := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad store", func(c *Config) { c.Store = "redis" }, "unknown store"},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, "PG_DSN"},
		{"bad feed", func(c *Config) { c.ChangeFeed = "poll" }, "unknown feed"},
		{"negative seed docs", func(c *Config) { c.SeedDocs = -1 }, "SEED_DOCS"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base
			c.mod(&cfg)
			err := cfg.Validate()
			if c.want == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want containing %q", err, c.want)
			}
		})
	}
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("LIVEJOIN_PG_DSN", "")
	os.Unsetenv("LIVEJOIN_PG_DSN")
	if _, err := LoadRelay(); err == nil {
		t.Fatal("relay config without LIVEJOIN_PG_DSN accepted")
	}
	t.Setenv("LIVEJOIN_PG_DSN", "postgres://localhost/livejoin")
	t.Setenv("LIVEJOIN_RELAY_SLOT", "s1")
	cfg, err := LoadRelay()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.Slot != "s1" || !cfg.CreateSlot || cfg.StandbyInterval != 10*time.Second {
		t.Errorf("unexpected relay config: %+v", cfg)
	}
}
