package kiroku

import (
	"encoding/json"
	"time"
)

// Run statuses. A run moves QUEUED -> RUNNING -> one terminal status.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Terminal reports whether status is COMPLETED, FAILED or CANCELED.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// Run is one execution of a goal.
type Run struct {
	ID               int64          `json:"id"`
	ProjectID        *int64         `json:"project_id,omitempty"`
	Name             *string        `json:"name,omitempty"`
	Goal             string         `json:"goal"`
	RunType          string         `json:"run_type"`
	Status           string         `json:"status"`
	CurrentIteration int            `json:"current_iteration"`
	Options          map[string]any `json:"options"`
	Error            *string        `json:"error,omitempty"`
	Owner            *string        `json:"owner,omitempty"`
	LeaseUntil       *time.Time     `json:"lease_until,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// CreateRunRequest is the body of CreateRun. Only Goal is required;
// RunType defaults to "simple".
type CreateRunRequest struct {
	ProjectID *int64         `json:"project_id,omitempty"`
	Name      *string        `json:"name,omitempty"`
	Goal      string         `json:"goal"`
	RunType   string         `json:"run_type,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// ListRunsOptions filters ListRuns. Zero fields are omitted.
type ListRunsOptions struct {
	Status    string
	ProjectID int64
	Limit     int
	Offset    int
}

// RunList is one page of runs.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// Event is one entry of a run's append-only log. Payload depends on Type.
type Event struct {
	ID        int64           `json:"id"`
	RunID     int64           `json:"run_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusChange decodes a STATUS_CHANGED payload. ok is false for other
// event types.
func (e Event) StatusChange() (from, to, reason string, ok bool) {
	if e.Type != "STATUS_CHANGED" {
		return "", "", "", false
	}
	var p struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", "", "", false
	}
	return p.From, p.To, p.Reason, true
}

// Step is one iteration of a run.
type Step struct {
	RunID     int64      `json:"run_id"`
	Index     int        `json:"step_index"`
	Status    string     `json:"status"`
	Attempt   int        `json:"attempt"`
	Output    *string    `json:"output,omitempty"`
	Error     *string    `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Signals are the control flags of a run. Paused is not a status.
type Signals struct {
	RunID         int64     `json:"run_id"`
	Paused        bool      `json:"paused"`
	StopRequested bool      `json:"stop_requested"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ControlResponse acknowledges a durably recorded pause, resume or stop.
type ControlResponse struct {
	RunID   int64   `json:"run_id"`
	Action  string  `json:"action"`
	Signals Signals `json:"signals"`
	EventID int64   `json:"event_id"`
}

// Artifact is a registered output of a run. Content is stored elsewhere.
type Artifact struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterArtifactRequest is the body of RegisterArtifact.
type RegisterArtifactRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Location string `json:"location"`
}

// Project groups runs. Names are unique.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	LocalPath *string   `json:"local_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Database string `json:"database"`
	Uptime   int64  `json:"uptime_seconds"`
}
