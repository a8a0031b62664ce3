package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/resilience"
	"github.com/sells-group/wetland-drill/internal/shapes"
)

// SQLiteStore implements Store on a single SQLite file. Timestamps are
// stored as unix microseconds so ordering comparisons stay numeric.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, retry resilience.RetryConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	retry.ShouldRetry = isBusy
	return &SQLiteStore{db: db, retry: retry}, nil
}

// isBusy reports whether err is SQLite lock contention from another writer.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (s *SQLiteStore) retryFor(op string) resilience.RetryConfig {
	return s.retry.Named("store.sqlite", op)
}

func micros(t time.Time) int64 {
	return model.Timestamp(t).UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// inClause renders the body of an IN list for ids. The ids travel as one
// JSON array bound to a single variable, so a selection of any size stays
// under SQLITE_MAX_VARIABLE_NUMBER.
func inClause(ids []int64) (string, []any) {
	buf := make([]byte, 0, 8*len(ids)+2)
	buf = append(buf, '[')
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, id, 10)
	}
	buf = append(buf, ']')
	return "SELECT value FROM json_each(?)", []any{string(buf)}
}

// Bootstrap implements Store.
func (s *SQLiteStore) Bootstrap(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	return resilience.Do(ctx, s.retryFor("bootstrap"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "sqlite: begin migration tx")
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
			return eris.Wrap(err, "sqlite: ensure migration table")
		}

		names, err := migrationNames("migrations/sqlite")
		if err != nil {
			return err
		}
		for _, name := range names {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&n); err != nil {
				return eris.Wrap(err, "sqlite: query applied migrations")
			}
			if n > 0 {
				continue
			}
			data, err := migrationFS.ReadFile("migrations/sqlite/" + name)
			if err != nil {
				return eris.Wrapf(err, "sqlite: read migration %s", name)
			}
			log.Info("applying migration", zap.String("file", name))
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "sqlite: apply migration %s", name)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
				name, time.Now().UTC().UnixMicro(),
			); err != nil {
				return eris.Wrapf(err, "sqlite: record migration %s", name)
			}
		}
		return eris.Wrap(tx.Commit(), "sqlite: commit migrations")
	})
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertPolygon implements Store.
func (s *SQLiteStore) UpsertPolygon(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, bool, error) {
	hash, data, err := geometryKey(g)
	if err != nil {
		return 0, false, err
	}
	minX, minY, maxX, maxY := bounds(g)

	var id int64
	var ready bool
	err = resilience.Do(ctx, s.retryFor("upsert_polygon"), func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO polygons (poly_name, poly_hash, geometry, min_x, min_y, max_x, max_y, shapefile, feature_id, area)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (poly_hash) DO UPDATE SET poly_name = excluded.poly_name
			RETURNING poly_id, result_ready`,
			name, hash, data, minX, minY, maxX, maxY, src.Shapefile, src.FeatureID, g.Area(),
		).Scan(&id, &ready)
	})
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: upsert polygon %s", hash)
	}
	return id, ready, nil
}

// UpsertCatchment implements Store.
func (s *SQLiteStore) UpsertCatchment(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, error) {
	hash, data, err := geometryKey(g)
	if err != nil {
		return 0, err
	}
	var id int64
	err = resilience.Do(ctx, s.retryFor("upsert_catchment"), func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO catchments (catchment_name, catchment_hash, geometry, shapefile, feature_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (catchment_hash) DO UPDATE SET catchment_name = excluded.catchment_name
			RETURNING catchment_id`,
			name, hash, data, src.Shapefile, src.FeatureID,
		).Scan(&id)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: upsert catchment %s", hash)
	}
	return id, nil
}

// Checkpoint implements Store.
func (s *SQLiteStore) Checkpoint(ctx context.Context, ids []int64, reset bool) (*time.Time, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	agg := "MAX"
	if reset {
		agg = "MIN"
	}
	in, args := inClause(ids)

	var v sql.NullInt64
	err := resilience.Do(ctx, s.retryFor("checkpoint"), func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT `+agg+`(last_update) FROM polygons WHERE poly_id IN (`+in+`) AND result_ready = 0`,
			args...,
		).Scan(&v)
	})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: checkpoint")
	}
	if !v.Valid {
		return nil, nil
	}
	t := fromMicros(v.Int64)
	return &t, nil
}

const sqliteAdvanceStateSQL = `UPDATE polygons SET result_ready = ?, last_update = ?
	WHERE poly_id = ? AND result_ready = 0 AND last_update <= ?`

// RecordResult implements Store.
func (s *SQLiteStore) RecordResult(ctx context.Context, polyID int64, ts time.Time, ready bool, f model.Fractions) (bool, error) {
	at := micros(ts)
	var advanced bool
	err := resilience.Do(ctx, s.retryFor("record_result"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, sqliteAdvanceStateSQL, ready, at, polyID, at)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if f.AnyPositive() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO data (poly_id, datetime, fc_bs, fc_pv, fc_npv, tci_w, wofs_water)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (poly_id, datetime) DO NOTHING`,
				polyID, at,
				f[model.ClassBareSoil], f[model.ClassGreenVeg], f[model.ClassDryVeg], f[model.ClassWet], f[model.ClassWater],
			); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		advanced = n == 1
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: record result for polygon %d", polyID)
	}
	return advanced, nil
}

// FinalizePolygon implements Store.
func (s *SQLiteStore) FinalizePolygon(ctx context.Context, polyID int64, ts time.Time) (bool, error) {
	at := micros(ts)
	var advanced bool
	err := resilience.Do(ctx, s.retryFor("finalize"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		res, err := tx.ExecContext(ctx, sqliteAdvanceStateSQL, true, at, polyID, at)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO data (poly_id, datetime)
			SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM data WHERE poly_id = ?)
			ON CONFLICT (poly_id, datetime) DO NOTHING`,
			polyID, at, polyID,
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		advanced = n == 1
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finalize polygon %d", polyID)
	}
	return advanced, nil
}

// ReopenPolygons implements Store.
func (s *SQLiteStore) ReopenPolygons(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	var n int64
	err := resilience.Do(ctx, s.retryFor("reopen"), func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE polygons SET result_ready = 0 WHERE result_ready = 1 AND poly_id IN (`+in+`)`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, eris.Wrap(err, "sqlite: reopen polygons")
}

// Geometries implements Store.
func (s *SQLiteStore) Geometries(ctx context.Context, ids []int64) (map[int64]*geom.MultiPolygon, error) {
	out := make(map[int64]*geom.MultiPolygon, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT poly_id, geometry FROM polygons WHERE poly_id IN (`+in+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load geometries")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan geometry")
		}
		g, err := decodeGeometry(data)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: polygon %d", id)
		}
		out[id] = g
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate geometries")
}

// IntersectingPolygons implements Store.
func (s *SQLiteStore) IntersectingPolygons(ctx context.Context, polyID int64, candidates []int64) ([]int64, error) {
	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		return nil, nil
	}
	geoms, err := s.Geometries(ctx, append([]int64{polyID}, candidates...))
	if err != nil {
		return nil, err
	}
	self, ok := geoms[polyID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: polygon %d", polyID)
	}

	var out []int64
	for _, id := range candidates {
		if id == polyID {
			continue
		}
		if g, ok := geoms[id]; ok && shapes.Intersects(self, g) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PolygonByGeometry implements Store.
func (s *SQLiteStore) PolygonByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Polygon, error) {
	hash, err := contentHash(g)
	if err != nil {
		return nil, err
	}
	p := &model.Polygon{Hash: hash, Geometry: g}
	var name sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT poly_id, poly_name, area FROM polygons WHERE poly_hash = ?`, hash,
	).Scan(&p.ID, &name, &p.Area)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: polygon by geometry")
	}
	p.Name = name.String
	return p, nil
}

// CatchmentByGeometry implements Store.
func (s *SQLiteStore) CatchmentByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Catchment, error) {
	hash, err := contentHash(g)
	if err != nil {
		return nil, err
	}
	c := &model.Catchment{Hash: hash, Geometry: g}
	var name sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT catchment_id, catchment_name FROM catchments WHERE catchment_hash = ?`, hash,
	).Scan(&c.ID, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: catchment by geometry")
	}
	c.Name = name.String
	return c, nil
}

// PolygonsInCatchment implements Store.
func (s *SQLiteStore) PolygonsInCatchment(ctx context.Context, catchmentID int64, limit int) ([]int64, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT geometry FROM catchments WHERE catchment_id = ?`, catchmentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: catchment %d", catchmentID)
	}
	catchment, err := decodeGeometry(data)
	if err != nil {
		return nil, err
	}
	minX, minY, maxX, maxY := bounds(catchment)

	rows, err := s.db.QueryContext(ctx, `
		SELECT poly_id, geometry FROM polygons
		WHERE min_x >= ? AND min_y >= ? AND max_x <= ? AND max_y <= ?
		ORDER BY area, poly_id`,
		minX, minY, maxX, maxY,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: polygons in catchment %d", catchmentID)
	}
	defer rows.Close() //nolint:errcheck

	var out []int64
	for rows.Next() {
		var id int64
		var gd []byte
		if err := rows.Scan(&id, &gd); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan polygon")
		}
		g, err := decodeGeometry(gd)
		if err != nil {
			return nil, err
		}
		if shapes.Contains(catchment, g) {
			out = append(out, id)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate polygons")
}

// Status implements Store.
func (s *SQLiteStore) Status(ctx context.Context, ids []int64) ([]model.PolygonStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT poly_id, COALESCE(poly_name, ''), result_ready, last_update
		FROM polygons WHERE poly_id IN (`+in+`) ORDER BY poly_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PolygonStatus
	for rows.Next() {
		var st model.PolygonStatus
		var last int64
		if err := rows.Scan(&st.PolyID, &st.Name, &st.Ready, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status")
		}
		st.LastUpdate = fromMicros(last)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate status")
}

// Results implements Store.
func (s *SQLiteStore) Results(ctx context.Context, polyID int64) ([]model.ResultPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT datetime, fc_bs, fc_pv, fc_npv, tci_w, wofs_water
		FROM data WHERE poly_id = ? ORDER BY datetime`, polyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: results for polygon %d", polyID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ResultPoint
	for rows.Next() {
		p := model.ResultPoint{PolyID: polyID}
		f := &p.Fractions
		var at int64
		if err := rows.Scan(&at, &f[model.ClassBareSoil], &f[model.ClassGreenVeg], &f[model.ClassDryVeg], &f[model.ClassWet], &f[model.ClassWater]); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		p.Time = fromMicros(at)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

// ImportResults implements Store.
func (s *SQLiteStore) ImportResults(ctx context.Context, points []model.ResultPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	var total int64
	err := resilience.Do(ctx, s.retryFor("import_results"), func(ctx context.Context) error {
		total = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO data (poly_id, datetime, fc_bs, fc_pv, fc_npv, tci_w, wofs_water)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (poly_id, datetime) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, p := range points {
			f := p.Fractions
			res, err := stmt.ExecContext(ctx, p.PolyID, micros(p.Time),
				f[model.ClassBareSoil], f[model.ClassGreenVeg], f[model.ClassDryVeg], f[model.ClassWet], f[model.ClassWater])
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import results")
	}
	return total, nil
}

// AlltimeMetrics implements Store.
func (s *SQLiteStore) AlltimeMetrics(ctx context.Context, ids []int64) ([]model.AlltimeMetrics, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT poly_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE fc_pv > 0),
			COUNT(*) FILTER (WHERE wofs_water > 0),
			COUNT(*) FILTER (WHERE tci_w + wofs_water > 0),
			MIN(datetime) FILTER (WHERE fc_pv > 0),
			MIN(datetime) FILTER (WHERE wofs_water > 0),
			MIN(datetime) FILTER (WHERE tci_w + wofs_water > 0),
			COALESCE(AVG(tci_w + wofs_water), 0)
		FROM data WHERE poly_id IN (`+in+`)
		GROUP BY poly_id ORDER BY poly_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: alltime metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AlltimeMetrics
	for rows.Next() {
		var m model.AlltimeMetrics
		var pv, water, wet sql.NullInt64
		if err := rows.Scan(&m.PolyID, &m.Observations, &m.GreenVegCount, &m.WaterCount, &m.WetCount,
			&pv, &water, &wet, &m.MeanWetAndWater); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alltime metrics")
		}
		m.FirstGreenVeg = optionalTime(pv)
		m.FirstWater = optionalTime(water)
		m.FirstWet = optionalTime(wet)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate alltime metrics")
}

// EventMetrics implements Store. Events are folded from each polygon's
// series.
func (s *SQLiteStore) EventMetrics(ctx context.Context, ids []int64) ([]model.Event, error) {
	var out []model.Event
	for _, id := range ids {
		var area float64
		err := s.db.QueryRowContext(ctx, `SELECT area FROM polygons WHERE poly_id = ?`, id).Scan(&area)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: area of polygon %d", id)
		}
		points, err := s.Results(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Events(points, area)...)
	}
	return out, nil
}

func optionalTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// YearMetrics implements Store.
func (s *SQLiteStore) YearMetrics(ctx context.Context, ids []int64) ([]model.YearMetric, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT poly_id, year, min, max, mean FROM year_metrics
		WHERE poly_id IN (`+in+`) ORDER BY poly_id, year`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: year metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.YearMetric
	for rows.Next() {
		var m model.YearMetric
		if err := rows.Scan(&m.PolyID, &m.Year, &m.Min, &m.Max, &m.Mean); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan year metrics")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate year metrics")
}

// StartRun implements Store.
func (s *SQLiteStore) StartRun(ctx context.Context, run *model.DrillRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drill_runs (id, artifact, polygons, aggregate_days, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Artifact, run.Polygons, run.AggregateDays, string(model.RunStatusRunning), micros(run.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: start run %s", run.ID)
}

// CompleteRun implements Store.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, windows, rows int64) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, windows, rows, nil)
}

// FailRun implements Store.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, msg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, 0, 0, &msg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, windows, rows int64, msg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drill_runs
		SET status = ?, windows = windows + ?, rows_written = rows_written + ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(status), windows, rows, msg, time.Now().UTC().UnixMicro(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.DrillRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, artifact, polygons, aggregate_days, status, windows, rows_written,
			COALESCE(error, ''), started_at, completed_at
		FROM drill_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DrillRun
	for rows.Next() {
		var r model.DrillRun
		var status string
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Artifact, &r.Polygons, &r.AggregateDays, &status, &r.Windows, &r.Rows,
			&r.Error, &started, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.StartedAt = fromMicros(started)
		r.CompletedAt = optionalTime(completed)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
