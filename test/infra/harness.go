package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the test database and its migrated pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in order of preference: dsn, then
// STRESS_TEST_PG_DSN, then a Postgres 16 container when Docker is usable, then
// a freshly created database on a local server. Shared databases get a
// per-run schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	shared := dsn != ""

	h := &Harness{container: &PGContainer{}}
	switch {
	case shared:
	case dockerAvailable(ctx):
		c, d, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, dsn = c, d
	default:
		d, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
		dsn = d
	}
	h.dsn = dsn

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if cerr := h.container.Terminate(ctx); err == nil {
		err = cerr
	}
	return err
}

// Reset truncates the ledger and account tables to provide a clean slate for
// the next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"timeline_events",
		"orders",
		"deliveries",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
