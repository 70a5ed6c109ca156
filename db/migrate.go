package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate applies every .sql file of fsys not yet recorded in
// schema_migrations, each in its own transaction. It returns the names it
// applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) ([]string, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        name       text PRIMARY KEY,
        applied_at timestamptz NOT NULL DEFAULT now()
    )`); err != nil {
		return nil, fmt.Errorf("db: migrations table: %w", err)
	}

	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		ok, err := migrateOne(ctx, pool, fsys, name)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, name)
			log.Infow("migration applied", "name", name)
		}
	}
	return applied, nil
}

func migrateOne(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, name string) (bool, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false, fmt.Errorf("db: read %s: %w", name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("db: begin %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	// Concurrent migrators serialise on the row lock of the insert.
	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, path.Base(name))
	if err != nil {
		return false, fmt.Errorf("db: record %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, string(data), pgx.QueryExecModeSimpleProtocol); err != nil {
		return false, fmt.Errorf("db: apply %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("db: commit %s: %w", name, err)
	}
	return true, nil
}
