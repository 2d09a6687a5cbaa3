package model

import "time"

// Artifact is immutable metadata for a named output a run produced.
// Location is opaque: a path or URI whose content lives elsewhere.
type Artifact struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Project groups runs. Name is unique.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	LocalPath *string   `json:"local_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerStatus is a live, never persisted snapshot of a coordinator.
type WorkerStatus struct {
	WorkerID     string        `json:"worker_id"`
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"-"`
	PollSeconds  float64       `json:"poll_interval_seconds"`
	ActiveRuns   []int64       `json:"active_runs"`
	Capacity     int           `json:"capacity"`
	LastPollAt   *time.Time    `json:"last_poll_at,omitempty"`
	ReportedAt   time.Time     `json:"reported_at"`
}
