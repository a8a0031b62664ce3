package model

import "time"

// RunStatus represents the state of a drill run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// DrillRun is one entry in the run log.
type DrillRun struct {
	ID            string     `json:"id"`
	Artifact      string     `json:"artifact"`
	Polygons      int        `json:"polygons"`
	AggregateDays int        `json:"aggregate_days"`
	Status        RunStatus  `json:"status"`
	Windows       int64      `json:"windows"`
	Rows          int64      `json:"rows"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
