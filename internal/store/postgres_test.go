package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock, fastRetry()), mock
}

func testSquare(x, y, size float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).SetSRID(model.SRID).MustSetCoords([][][]geom.Coord{{{
		{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y},
	}}})
}

func expectMigrations(t *testing.T, mock pgxmock.PgxPoolIface, applied ...string) {
	t.Helper()
	names, err := migrationNames("migrations/postgres")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS wit").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	rows := pgxmock.NewRows([]string{"filename"})
	done := map[string]bool{}
	for _, a := range applied {
		rows.AddRow(a)
		done[a] = true
	}
	mock.ExpectQuery("SELECT filename FROM wit.schema_migrations").WillReturnRows(rows)

	for _, name := range names {
		if done[name] {
			continue
		}
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO wit.schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()
}

func TestPostgresStore_Bootstrap_FreshDB(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectMigrations(t, mock)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Bootstrap_AlreadyApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	names, err := migrationNames("migrations/postgres")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	expectMigrations(t, mock, names...)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Bootstrap_RetriesLostConnection(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("failed to connect to host: connection refused"))
	names, err := migrationNames("migrations/postgres")
	require.NoError(t, err)
	expectMigrations(t, mock, names...)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Bootstrap_MigrationError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS wit").WillReturnError(errors.New("permission denied for database"))
	mock.ExpectRollback()

	err := s.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure migration table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertPolygon(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	g := testSquare(0, 0, 10)
	hash, err := contentHash(g)
	require.NoError(t, err)

	mock.ExpectQuery(`INSERT INTO wit.polygons .+ ON CONFLICT \(poly_hash\) DO UPDATE SET poly_name`).
		WithArgs("1_Lake_", hash, pgxmock.AnyArg(), "lakes.shp", int64(3), 100.0).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id", "result_ready"}).AddRow(int64(42), true))

	id, ready, err := s.UpsertPolygon(context.Background(), "1_Lake_", g, model.SourceRef{Shapefile: "lakes.shp", FeatureID: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.True(t, ready)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertPolygon_EmptyGeometry(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	_, _, err := s.UpsertPolygon(context.Background(), "x", geom.NewMultiPolygon(geom.XY), model.SourceRef{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty geometry")
}

func TestPostgresStore_Checkpoint(t *testing.T) {
	ids := []int64{1, 2, 3}
	latest := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("max", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectQuery(`SELECT max\(last_update\) FROM wit.polygons WHERE poly_id = ANY\(\$1\) AND result_ready = FALSE`).
			WithArgs(ids).
			WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&latest))
		ts, err := s.Checkpoint(context.Background(), ids, false)
		require.NoError(t, err)
		require.NotNil(t, ts)
		assert.True(t, latest.Equal(*ts))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset uses min", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectQuery(`SELECT min\(last_update\)`).
			WithArgs(ids).
			WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(&latest))
		_, err := s.Checkpoint(context.Background(), ids, true)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all ready", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectQuery(`SELECT max\(last_update\)`).
			WithArgs(ids).
			WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*time.Time)(nil)))
		ts, err := s.Checkpoint(context.Background(), ids, false)
		require.NoError(t, err)
		assert.Nil(t, ts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no ids", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		ts, err := s.Checkpoint(context.Background(), nil, false)
		require.NoError(t, err)
		assert.Nil(t, ts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_RecordResult(t *testing.T) {
	ts := time.Date(2020, 1, 2, 3, 4, 5, 6789, time.UTC)
	trunc := model.Timestamp(ts)
	f := model.Fractions{0.1, 0.2, 0.3, 0.2, 0.2}

	t.Run("advances and inserts", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE wit.polygons SET result_ready = \$1, last_update = \$2`).
			WithArgs(false, trunc, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`INSERT INTO wit.data .+ ON CONFLICT \(poly_id, datetime\) DO NOTHING`).
			WithArgs(int64(7), trunc, 0.1, 0.2, 0.3, 0.2, 0.2).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		advanced, err := s.RecordResult(context.Background(), 7, ts, false, f)
		require.NoError(t, err)
		assert.True(t, advanced)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale write does not advance", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE wit.polygons`).
			WithArgs(false, trunc, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(`INSERT INTO wit.data`).
			WithArgs(int64(7), trunc, 0.1, 0.2, 0.3, 0.2, 0.2).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectCommit()

		advanced, err := s.RecordResult(context.Background(), 7, ts, false, f)
		require.NoError(t, err)
		assert.False(t, advanced)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero fractions skip insert", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE wit.polygons`).
			WithArgs(true, trunc, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		advanced, err := s.RecordResult(context.Background(), 7, ts, true, model.Fractions{})
		require.NoError(t, err)
		assert.True(t, advanced)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error rolls back", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE wit.polygons`).WillReturnError(errors.New("syntax error at or near UPDATE"))
		mock.ExpectRollback()

		_, err := s.RecordResult(context.Background(), 7, ts, false, f)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "record result for polygon 7")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_FinalizePolygon(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE wit.polygons`).
		WithArgs(true, ts, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO wit.data \(poly_id, datetime\)\s+SELECT .+ WHERE NOT EXISTS`).
		WithArgs(int64(9), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	advanced, err := s.FinalizePolygon(context.Background(), 9, ts)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IntersectingPolygons(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`JOIN wit.polygons b ON ST_Intersects`).
		WithArgs(int64(1), []int64{2, 3}).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id"}).AddRow(int64(3)))

	ids, err := s.IntersectingPolygons(context.Background(), 1, []int64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PolygonByGeometry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT poly_id, poly_name, area FROM wit.polygons WHERE poly_hash = \$1`).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.PolygonByGeometry(context.Background(), testSquare(0, 0, 1))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PolygonsInCatchment_NoLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`ST_Contains\(c.geometry, p.geometry\)`).
		WithArgs(int64(5), nil).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id"}).AddRow(int64(8)).AddRow(int64(4)))

	ids, err := s.PolygonsInCatchment(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 4}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Status(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT poly_id, COALESCE\(poly_name, ''\), result_ready, last_update`).
		WithArgs([]int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id", "poly_name", "result_ready", "last_update"}).
			AddRow(int64(1), "a", true, ts).
			AddRow(int64(2), "b", false, model.Epoch))

	st, err := s.Status(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.True(t, st[0].Ready)
	assert.Equal(t, "b", st[1].Name)
	assert.True(t, st[1].LastUpdate.Equal(model.Epoch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_wit_data"}, dataColumns).WillReturnResult(2)
	mock.ExpectExec("DO NOTHING").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportResults(context.Background(), []model.ResultPoint{
		{PolyID: 1, Time: ts, Fractions: model.Fractions{0.5, 0.5}},
		{PolyID: 1, Time: ts.AddDate(0, 0, 16), Fractions: model.Fractions{1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AlltimeMetrics_WetIncludesWater(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE tci_w \+ wofs_water > 0\)`).
		WithArgs([]int64{1}).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id", "count", "pv", "water", "wet", "first_pv", "first_water", "first_wet", "mean"}).
			AddRow(int64(1), int64(1), int64(0), int64(1), int64(1), nil, &ts, &ts, 0.5))

	all, err := s.AlltimeMetrics(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(1), all[0].WetCount)
	require.NotNil(t, all[0].FirstWet)
	assert.Nil(t, all[0].FirstGreenVeg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EventMetrics(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Date(2020, 1, 17, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 16)
	mock.ExpectQuery(`FROM wit.event_metrics`).
		WithArgs([]int64{1}).
		WillReturnRows(pgxmock.NewRows([]string{"poly_id", "start_time", "end_time", "max", "mean", "area", "ongoing"}).
			AddRow(int64(1), start, end, 0.5, 0.4, 0.005, false).
			AddRow(int64(1), end.AddDate(0, 0, 32), end.AddDate(0, 0, 32), 0.2, 0.2, 0.002, true))

	events, err := s.EventMetrics(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 17*24*time.Hour, events[0].Duration)
	assert.InDelta(t, 0.4, events[0].Mean, 1e-9)
	assert.True(t, events[1].Ongoing)
	assert.Equal(t, 24*time.Hour, events[1].Duration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE wit.drill_runs`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
