// Package monitoring tracks drill health: Prometheus metrics for the
// dispatcher, run log snapshots, and webhook alerts on failing runs.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wetland-drill/internal/model"
)

// Snapshot holds a point-in-time view of drill health.
type Snapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailureRate  float64 `json:"failure_rate"`
	Windows      int64   `json:"windows"`
	RowsWritten  int64   `json:"rows_written"`

	// LastError is the error of the most recent failed run in the window.
	LastError string `json:"last_error,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister abstracts the run log query needed by the collector.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.DrillRun, error)
}

// maxRuns bounds how much of the run log one snapshot reads.
const maxRuns = 10000

// Collector gathers health snapshots from the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Runs come newest first.
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.Windows += r.Windows
		snap.RowsWritten += r.Rows
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if snap.LastError == "" {
				snap.LastError = r.Error
			}
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
