package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/wetland-drill/internal/db"
	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/resilience"
)

// PostgresStore implements Store on PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: retry}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool, retry resilience.RetryConfig) *PostgresStore {
	return &PostgresStore{pool: pool, retry: retry}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) retryFor(op string) resilience.RetryConfig {
	return s.retry.Named("store.postgres", op)
}

// Bootstrap implements Store.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	return resilience.Do(ctx, s.retryFor("bootstrap"), func(ctx context.Context) error {
		return migratePostgres(ctx, s.pool)
	})
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertPolygon implements Store.
func (s *PostgresStore) UpsertPolygon(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, bool, error) {
	hash, data, err := geometryKey(g)
	if err != nil {
		return 0, false, err
	}

	type reg struct {
		id    int64
		ready bool
	}
	r, err := resilience.DoVal(ctx, s.retryFor("upsert_polygon"), func(ctx context.Context) (reg, error) {
		var r reg
		err := s.pool.QueryRow(ctx, `
			INSERT INTO wit.polygons (poly_name, poly_hash, geometry, shapefile, feature_id, area)
			VALUES ($1, $2, ST_GeomFromEWKB($3), $4, $5, $6)
			ON CONFLICT (poly_hash) DO UPDATE SET poly_name = EXCLUDED.poly_name
			RETURNING poly_id, result_ready`,
			name, hash, data, src.Shapefile, src.FeatureID, g.Area(),
		).Scan(&r.id, &r.ready)
		return r, err
	})
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: upsert polygon %s", hash)
	}
	return r.id, r.ready, nil
}

// UpsertCatchment implements Store.
func (s *PostgresStore) UpsertCatchment(ctx context.Context, name string, g *geom.MultiPolygon, src model.SourceRef) (int64, error) {
	hash, data, err := geometryKey(g)
	if err != nil {
		return 0, err
	}

	id, err := resilience.DoVal(ctx, s.retryFor("upsert_catchment"), func(ctx context.Context) (int64, error) {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO wit.catchments (catchment_name, catchment_hash, geometry, shapefile, feature_id)
			VALUES ($1, $2, ST_GeomFromEWKB($3), $4, $5)
			ON CONFLICT (catchment_hash) DO UPDATE SET catchment_name = EXCLUDED.catchment_name
			RETURNING catchment_id`,
			name, hash, data, src.Shapefile, src.FeatureID,
		).Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert catchment %s", hash)
	}
	return id, nil
}

// Checkpoint implements Store.
func (s *PostgresStore) Checkpoint(ctx context.Context, ids []int64, reset bool) (*time.Time, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	agg := "max"
	if reset {
		agg = "min"
	}

	ts, err := resilience.DoVal(ctx, s.retryFor("checkpoint"), func(ctx context.Context) (*time.Time, error) {
		var ts *time.Time
		err := s.pool.QueryRow(ctx,
			`SELECT `+agg+`(last_update) FROM wit.polygons WHERE poly_id = ANY($1) AND result_ready = FALSE`,
			ids,
		).Scan(&ts)
		return ts, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: checkpoint")
	}
	if ts != nil {
		t := ts.UTC()
		ts = &t
	}
	return ts, nil
}

const advanceStateSQL = `UPDATE wit.polygons SET result_ready = $1, last_update = $2
	WHERE poly_id = $3 AND result_ready = FALSE AND last_update <= $2`

// RecordResult implements Store.
func (s *PostgresStore) RecordResult(ctx context.Context, polyID int64, ts time.Time, ready bool, f model.Fractions) (bool, error) {
	ts = model.Timestamp(ts)

	advanced, err := resilience.DoVal(ctx, s.retryFor("record_result"), func(ctx context.Context) (bool, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		tag, err := tx.Exec(ctx, advanceStateSQL, ready, ts, polyID)
		if err != nil {
			return false, err
		}
		if f.AnyPositive() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO wit.data (poly_id, datetime, fc_bs, fc_pv, fc_npv, tci_w, wofs_water)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (poly_id, datetime) DO NOTHING`,
				polyID, ts,
				f[model.ClassBareSoil], f[model.ClassGreenVeg], f[model.ClassDryVeg], f[model.ClassWet], f[model.ClassWater],
			); err != nil {
				return false, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "postgres: record result for polygon %d", polyID)
	}
	return advanced, nil
}

// FinalizePolygon implements Store.
func (s *PostgresStore) FinalizePolygon(ctx context.Context, polyID int64, ts time.Time) (bool, error) {
	ts = model.Timestamp(ts)

	advanced, err := resilience.DoVal(ctx, s.retryFor("finalize"), func(ctx context.Context) (bool, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		tag, err := tx.Exec(ctx, advanceStateSQL, true, ts, polyID)
		if err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO wit.data (poly_id, datetime)
			SELECT $1::BIGINT, $2::TIMESTAMPTZ
			WHERE NOT EXISTS (SELECT 1 FROM wit.data WHERE poly_id = $1::BIGINT)
			ON CONFLICT (poly_id, datetime) DO NOTHING`,
			polyID, ts,
		); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize polygon %d", polyID)
	}
	return advanced, nil
}

// ReopenPolygons implements Store.
func (s *PostgresStore) ReopenPolygons(ctx context.Context, ids []int64) (int64, error) {
	n, err := resilience.DoVal(ctx, s.retryFor("reopen"), func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx,
			`UPDATE wit.polygons SET result_ready = FALSE WHERE poly_id = ANY($1) AND result_ready = TRUE`,
			ids,
		)
		return tag.RowsAffected(), err
	})
	return n, eris.Wrap(err, "postgres: reopen polygons")
}

// Geometries implements Store.
func (s *PostgresStore) Geometries(ctx context.Context, ids []int64) (map[int64]*geom.MultiPolygon, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("geometries"), func(ctx context.Context) (map[int64]*geom.MultiPolygon, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT poly_id, ST_AsEWKB(geometry) FROM wit.polygons WHERE poly_id = ANY($1)`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make(map[int64]*geom.MultiPolygon, len(ids))
		for rows.Next() {
			var id int64
			var data []byte
			if err := rows.Scan(&id, &data); err != nil {
				return nil, err
			}
			g, err := decodeGeometry(data)
			if err != nil {
				return nil, eris.Wrapf(err, "polygon %d", id)
			}
			out[id] = g
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load geometries")
	}
	return out, nil
}

// IntersectingPolygons implements Store.
func (s *PostgresStore) IntersectingPolygons(ctx context.Context, polyID int64, candidates []int64) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids, err := resilience.DoVal(ctx, s.retryFor("intersecting"), func(ctx context.Context) ([]int64, error) {
		return collectIDs(s.pool.Query(ctx, `
			SELECT b.poly_id FROM wit.polygons a
			JOIN wit.polygons b ON ST_Intersects(a.geometry, b.geometry)
			WHERE a.poly_id = $1 AND b.poly_id <> a.poly_id AND b.poly_id = ANY($2)
			ORDER BY b.poly_id`,
			polyID, candidates,
		))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: intersecting polygons of %d", polyID)
	}
	return ids, nil
}

// PolygonByGeometry implements Store.
func (s *PostgresStore) PolygonByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Polygon, error) {
	hash, err := contentHash(g)
	if err != nil {
		return nil, err
	}
	p, err := resilience.DoVal(ctx, s.retryFor("polygon_by_geometry"), func(ctx context.Context) (*model.Polygon, error) {
		p := &model.Polygon{Hash: hash, Geometry: g}
		var name *string
		err := s.pool.QueryRow(ctx,
			`SELECT poly_id, poly_name, area FROM wit.polygons WHERE poly_hash = $1`,
			hash,
		).Scan(&p.ID, &name, &p.Area)
		if name != nil {
			p.Name = *name
		}
		return p, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: polygon by geometry")
	}
	return p, nil
}

// CatchmentByGeometry implements Store.
func (s *PostgresStore) CatchmentByGeometry(ctx context.Context, g *geom.MultiPolygon) (*model.Catchment, error) {
	hash, err := contentHash(g)
	if err != nil {
		return nil, err
	}
	c, err := resilience.DoVal(ctx, s.retryFor("catchment_by_geometry"), func(ctx context.Context) (*model.Catchment, error) {
		c := &model.Catchment{Hash: hash, Geometry: g}
		var name *string
		err := s.pool.QueryRow(ctx,
			`SELECT catchment_id, catchment_name FROM wit.catchments WHERE catchment_hash = $1`,
			hash,
		).Scan(&c.ID, &name)
		if name != nil {
			c.Name = *name
		}
		return c, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: catchment by geometry")
	}
	return c, nil
}

// PolygonsInCatchment implements Store.
func (s *PostgresStore) PolygonsInCatchment(ctx context.Context, catchmentID int64, limit int) ([]int64, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	ids, err := resilience.DoVal(ctx, s.retryFor("polygons_in_catchment"), func(ctx context.Context) ([]int64, error) {
		return collectIDs(s.pool.Query(ctx, `
			SELECT p.poly_id FROM wit.polygons p
			JOIN wit.catchments c ON ST_Contains(c.geometry, p.geometry)
			WHERE c.catchment_id = $1
			ORDER BY ST_Area(p.geometry), p.poly_id
			LIMIT $2`,
			catchmentID, lim,
		))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: polygons in catchment %d", catchmentID)
	}
	return ids, nil
}

// Status implements Store.
func (s *PostgresStore) Status(ctx context.Context, ids []int64) ([]model.PolygonStatus, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("status"), func(ctx context.Context) ([]model.PolygonStatus, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT poly_id, COALESCE(poly_name, ''), result_ready, last_update
			FROM wit.polygons WHERE poly_id = ANY($1) ORDER BY poly_id`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.PolygonStatus
		for rows.Next() {
			var st model.PolygonStatus
			if err := rows.Scan(&st.PolyID, &st.Name, &st.Ready, &st.LastUpdate); err != nil {
				return nil, err
			}
			st.LastUpdate = st.LastUpdate.UTC()
			out = append(out, st)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status")
	}
	return out, nil
}

// Results implements Store.
func (s *PostgresStore) Results(ctx context.Context, polyID int64) ([]model.ResultPoint, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("results"), func(ctx context.Context) ([]model.ResultPoint, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT datetime, fc_bs, fc_pv, fc_npv, tci_w, wofs_water
			FROM wit.data WHERE poly_id = $1 ORDER BY datetime`,
			polyID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.ResultPoint
		for rows.Next() {
			p := model.ResultPoint{PolyID: polyID}
			f := &p.Fractions
			if err := rows.Scan(&p.Time, &f[model.ClassBareSoil], &f[model.ClassGreenVeg], &f[model.ClassDryVeg], &f[model.ClassWet], &f[model.ClassWater]); err != nil {
				return nil, err
			}
			p.Time = p.Time.UTC()
			out = append(out, p)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: results for polygon %d", polyID)
	}
	return out, nil
}

var dataColumns = []string{"poly_id", "datetime", "fc_bs", "fc_pv", "fc_npv", "tci_w", "wofs_water"}

// ImportResults implements Store.
func (s *PostgresStore) ImportResults(ctx context.Context, points []model.ResultPoint) (int64, error) {
	rows := make([][]any, len(points))
	for i, p := range points {
		f := p.Fractions
		rows[i] = []any{p.PolyID, model.Timestamp(p.Time),
			f[model.ClassBareSoil], f[model.ClassGreenVeg], f[model.ClassDryVeg], f[model.ClassWet], f[model.ClassWater]}
	}

	n, err := resilience.DoVal(ctx, s.retryFor("import_results"), func(ctx context.Context) (int64, error) {
		return db.CopyInsert(ctx, s.pool, db.Stage{
			Table:   "wit.data",
			Columns: dataColumns,
			Keys:    []string{"poly_id", "datetime"},
		}, rows)
	})
	return n, eris.Wrap(err, "postgres: import results")
}

// AlltimeMetrics implements Store.
func (s *PostgresStore) AlltimeMetrics(ctx context.Context, ids []int64) ([]model.AlltimeMetrics, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("alltime_metrics"), func(ctx context.Context) ([]model.AlltimeMetrics, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT poly_id,
				COUNT(*),
				COUNT(*) FILTER (WHERE fc_pv > 0),
				COUNT(*) FILTER (WHERE wofs_water > 0),
				COUNT(*) FILTER (WHERE tci_w + wofs_water > 0),
				MIN(datetime) FILTER (WHERE fc_pv > 0),
				MIN(datetime) FILTER (WHERE wofs_water > 0),
				MIN(datetime) FILTER (WHERE tci_w + wofs_water > 0),
				COALESCE(AVG(tci_w + wofs_water), 0)
			FROM wit.data WHERE poly_id = ANY($1)
			GROUP BY poly_id ORDER BY poly_id`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.AlltimeMetrics
		for rows.Next() {
			var m model.AlltimeMetrics
			if err := rows.Scan(&m.PolyID, &m.Observations, &m.GreenVegCount, &m.WaterCount, &m.WetCount,
				&m.FirstGreenVeg, &m.FirstWater, &m.FirstWet, &m.MeanWetAndWater); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: alltime metrics")
	}
	return out, nil
}

// YearMetrics implements Store.
func (s *PostgresStore) YearMetrics(ctx context.Context, ids []int64) ([]model.YearMetric, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("year_metrics"), func(ctx context.Context) ([]model.YearMetric, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT poly_id, year, min, max, mean FROM wit.year_metrics
			WHERE poly_id = ANY($1) ORDER BY poly_id, year`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.YearMetric
		for rows.Next() {
			var m model.YearMetric
			if err := rows.Scan(&m.PolyID, &m.Year, &m.Min, &m.Max, &m.Mean); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: year metrics")
	}
	return out, nil
}

// EventMetrics implements Store.
func (s *PostgresStore) EventMetrics(ctx context.Context, ids []int64) ([]model.Event, error) {
	out, err := resilience.DoVal(ctx, s.retryFor("event_metrics"), func(ctx context.Context) ([]model.Event, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT poly_id, start_time, end_time, max, mean, area, ongoing
			FROM wit.event_metrics
			WHERE poly_id = ANY($1) ORDER BY poly_id, start_time`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Event
		for rows.Next() {
			var e model.Event
			if err := rows.Scan(&e.PolyID, &e.Start, &e.End, &e.Max, &e.Mean, &e.Area, &e.Ongoing); err != nil {
				return nil, err
			}
			e.Start, e.End = e.Start.UTC(), e.End.UTC()
			e.Duration = e.End.Sub(e.Start) + 24*time.Hour
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: event metrics")
	}
	return out, nil
}

// StartRun implements Store.
func (s *PostgresStore) StartRun(ctx context.Context, run *model.DrillRun) error {
	err := resilience.Do(ctx, s.retryFor("start_run"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO wit.drill_runs (id, artifact, polygons, aggregate_days, status, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			run.ID, run.Artifact, run.Polygons, run.AggregateDays, string(model.RunStatusRunning), run.StartedAt,
		)
		return err
	})
	return eris.Wrapf(err, "postgres: start run %s", run.ID)
}

// CompleteRun implements Store.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, windows, rows int64) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, windows, rows, nil)
}

// FailRun implements Store.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, msg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, 0, 0, &msg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, windows, rows int64, msg *string) error {
	err := resilience.Do(ctx, s.retryFor("finish_run"), func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE wit.drill_runs
			SET status = $1, windows = windows + $2, rows_written = rows_written + $3, error = $4, completed_at = $5
			WHERE id = $6`,
			string(status), windows, rows, msg, time.Now().UTC(), runID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	return eris.Wrapf(err, "postgres: finish run %s", runID)
}

// ListRuns implements Store.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.DrillRun, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := resilience.DoVal(ctx, s.retryFor("list_runs"), func(ctx context.Context) ([]model.DrillRun, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, artifact, polygons, aggregate_days, status, windows, rows_written,
				COALESCE(error, ''), started_at, completed_at
			FROM wit.drill_runs ORDER BY started_at DESC LIMIT $1`,
			limit,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.DrillRun
		for rows.Next() {
			var r model.DrillRun
			var status string
			if err := rows.Scan(&r.ID, &r.Artifact, &r.Polygons, &r.AggregateDays, &status, &r.Windows, &r.Rows,
				&r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
				return nil, err
			}
			r.Status = model.RunStatus(status)
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	return out, nil
}

func collectIDs(rows pgx.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
