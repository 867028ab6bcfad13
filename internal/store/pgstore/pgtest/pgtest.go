// Package pgtest boots one throwaway Postgres container per test binary and
// hands each test its own migrated schema.
//
// Tests using it are skipped unless LIVEJOIN_PG_TESTS=1.
package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/zoravur/livejoin/internal/store/pgstore"
)

const EnvFlag = "LIVEJOIN_PG_TESTS"

var (
	bootOnce  sync.Once
	bootErr   error
	container *postgres.PostgresContainer
	baseDSN   string
)

// Enabled reports whether Postgres integration tests should run.
func Enabled() bool { return os.Getenv(EnvFlag) == "1" }

func boot() error {
	bootOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		c, err := postgres.Run(ctx,
			"docker.io/postgres:16-alpine",
			postgres.WithDatabase("livejoin"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("pass"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			bootErr = fmt.Errorf("start postgres: %w", err)
			return
		}
		container = c
		baseDSN, bootErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	return bootErr
}

// Shutdown terminates the container, if one was started. Call it from TestMain.
func Shutdown() {
	if container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = container.Terminate(ctx)
}

// Sandbox is a migrated schema that every connection of DSN uses first.
type Sandbox struct {
	DSN    string
	Schema string
}

// NewSandbox skips t unless integration tests are enabled, then creates and
// migrates a fresh schema that is dropped when t ends.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if !Enabled() {
		t.Skipf("set %s=1 to run postgres integration tests", EnvFlag)
	}
	if err := boot(); err != nil {
		t.Fatalf("pgtest boot failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := pgxpool.New(ctx, baseDSN)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}
	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.Exec(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	sbx := &Sandbox{DSN: withSearchPath(baseDSN, schema), Schema: schema}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.Exec(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		admin.Close()
	})

	if err := pgstore.Migrate(ctx, sbx.DSN); err != nil {
		t.Fatalf("migrate sandbox: %v", err)
	}
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
