package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/db"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrationLockKey serializes schema bootstrap across processes.
const migrationLockKey int64 = 8675311

// migrationNames returns the embedded migration files under dir in
// lexicographic order.
func migrationNames(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "store: read migration dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// migratePostgres applies pending migrations inside one transaction. The
// transaction-scoped advisory lock makes later callers wait for the first
// one to commit; the lock is released with the transaction, so it cannot
// leak onto a pooled connection.
func migratePostgres(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin migration tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "store: acquire migration advisory lock")
	}

	if _, err := tx.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS wit;
		CREATE TABLE IF NOT EXISTS wit.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return eris.Wrap(err, "store: ensure migration table")
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	names, err := migrationNames("migrations/postgres")
	if err != nil {
		return err
	}

	var count int
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "store: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO wit.schema_migrations (filename) VALUES ($1)",
			name,
		); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit migrations")
	}
	if count == 0 {
		log.Debug("schema up to date")
	}
	return nil
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, "SELECT filename FROM wit.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
