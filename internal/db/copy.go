package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Stage describes a staged bulk insert into Table keyed by Keys.
type Stage struct {
	Table   string // schema-qualified target, e.g. "wit.data"
	Columns []string
	Keys    []string // unique constraint columns
}

// StageTable returns the temp table rows for s are copied into.
func (s Stage) StageTable() string {
	return "_stage_" + strings.ReplaceAll(s.Table, ".", "_")
}

// insertSQL moves staged rows into the target, keeping existing keys.
func (s Stage) insertSQL() string {
	cols := identList(s.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		qualified(s.Table), cols, cols, pgx.Identifier{s.StageTable()}.Sanitize(), identList(s.Keys))
}

// CopyInsert stages rows with COPY in one transaction and inserts the ones
// whose key is not present yet. Returns the number of rows inserted.
func CopyInsert(ctx context.Context, pool Pool, s Stage, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(s.Columns) == 0 || len(s.Keys) == 0 {
		return 0, eris.Errorf("db: copy insert into %s needs columns and keys", s.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: copy insert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{s.StageTable()}.Sanitize(), qualified(s.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: copy insert: stage %s", s.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{s.StageTable()}, s.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: copy insert: COPY %d rows for %s", len(rows), s.Table)
	}
	tag, err := tx.Exec(ctx, s.insertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy insert: insert into %s", s.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: copy insert: commit")
	}
	return tag.RowsAffected(), nil
}

func qualified(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
