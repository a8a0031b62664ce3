package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of drill runs. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	tasksTotal         *prometheus.CounterVec
	taskDuration       prometheus.Histogram
	windowsTotal       prometheus.Counter
	windowDuration     prometheus.Histogram
	rowsWritten        prometheus.Counter
	polygonsFinalized  prometheus.Counter
	recentRuns         *prometheus.GaugeVec
	runFailureRate     prometheus.Gauge
	lastSnapshotUnixTS prometheus.Gauge
}

// NewMetrics creates the drill metrics and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wit_load_tasks_total",
			Help: "Slice load tasks executed by the worker pool",
		}, []string{"status"}), // status: success, error
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wit_load_task_duration_seconds",
			Help:    "Time taken to load one tile of one time step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		windowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wit_windows_total",
			Help: "Work units reduced, drilled and written",
		}),
		windowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wit_window_duration_seconds",
			Help:    "Time taken to process one work unit end to end",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wit_result_rows_total",
			Help: "Per-polygon results submitted to the store",
		}),
		polygonsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wit_polygons_finalized_total",
			Help: "Polygons marked ready by the final sweep",
		}),
		recentRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wit_recent_runs",
			Help: "Drill runs started within the lookback window",
		}, []string{"status"}),
		runFailureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wit_run_failure_rate",
			Help: "Share of finished runs in the lookback window that failed",
		}),
		lastSnapshotUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wit_health_snapshot_timestamp_seconds",
			Help: "Unix time of the last run health snapshot",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.tasksTotal.Describe(ch)
	m.taskDuration.Describe(ch)
	m.windowsTotal.Describe(ch)
	m.windowDuration.Describe(ch)
	m.rowsWritten.Describe(ch)
	m.polygonsFinalized.Describe(ch)
	m.recentRuns.Describe(ch)
	m.runFailureRate.Describe(ch)
	m.lastSnapshotUnixTS.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.tasksTotal.Collect(ch)
	m.taskDuration.Collect(ch)
	m.windowsTotal.Collect(ch)
	m.windowDuration.Collect(ch)
	m.rowsWritten.Collect(ch)
	m.polygonsFinalized.Collect(ch)
	m.recentRuns.Collect(ch)
	m.runFailureRate.Collect(ch)
	m.lastSnapshotUnixTS.Collect(ch)
}

// RecordTask records one load task.
func (m *Metrics) RecordTask(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(d.Seconds())
}

// RecordWindow records a written work unit and its result count.
func (m *Metrics) RecordWindow(d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.windowsTotal.Inc()
	m.windowDuration.Observe(d.Seconds())
	m.rowsWritten.Add(float64(rows))
}

// RecordFinalized records polygons marked ready by the final sweep.
func (m *Metrics) RecordFinalized(n int) {
	if m == nil {
		return
	}
	m.polygonsFinalized.Add(float64(n))
}

// RecordSnapshot publishes a run health snapshot.
func (m *Metrics) RecordSnapshot(snap *Snapshot) {
	if m == nil || snap == nil {
		return
	}
	m.recentRuns.WithLabelValues("complete").Set(float64(snap.RunsComplete))
	m.recentRuns.WithLabelValues("failed").Set(float64(snap.RunsFailed))
	m.recentRuns.WithLabelValues("running").Set(float64(snap.RunsRunning))
	m.runFailureRate.Set(snap.FailureRate)
	m.lastSnapshotUnixTS.Set(float64(snap.CollectedAt.Unix()))
}
