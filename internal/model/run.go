// Package model defines the core domain types for kiroku.
//
// Types map directly onto the run, step, event, artifact and project tables.
// Lifecycle rules (which status may follow which) live next to the types so
// that every store and service validates transitions the same way.
package model

import (
	"slices"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// Run types understood by the worker's executor registry.
const (
	RunTypeSimple   = "simple"
	RunTypeWorkflow = "workflow"
)

// runTransitions lists the only legal edges of the run state machine.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// Rank orders statuses along the lifecycle: QUEUED < RUNNING < terminal.
// All terminal statuses share the highest rank.
func (s RunStatus) Rank() int {
	switch s {
	case RunStatusQueued:
		return 0
	case RunStatusRunning:
		return 1
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether the state machine permits s -> to.
func (s RunStatus) CanTransitionTo(to RunStatus) bool {
	return slices.Contains(runTransitions[s], to)
}

// CheckRunTransition returns a *TransitionError when from -> to is not allowed.
func CheckRunTransition(from, to RunStatus) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{Entity: "run", From: string(from), To: string(to)}
	}
	return nil
}

// Run is one execution attempt of a goal.
//
// Owner and LeaseUntil are coordination columns: a RUNNING run whose owner
// is empty or whose lease has lapsed may be adopted by another worker.
type Run struct {
	ID               int64          `json:"id"`
	ProjectID        *int64         `json:"project_id,omitempty"`
	Name             *string        `json:"name,omitempty"`
	Goal             string         `json:"goal"`
	RunType          string         `json:"run_type"`
	Status           RunStatus      `json:"status"`
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

// OwnedBy reports whether the run is currently held by owner.
func (r Run) OwnedBy(owner string) bool {
	return r.Owner != nil && *r.Owner == owner
}

// Adoptable reports whether a RUNNING run has no live owner at now.
func (r Run) Adoptable(now time.Time) bool {
	if r.Status != RunStatusRunning {
		return false
	}
	return r.Owner == nil || r.LeaseUntil == nil || r.LeaseUntil.Before(now)
}

// CreateRunParams holds the caller-supplied fields of a new run.
type CreateRunParams struct {
	ProjectID *int64
	Name      *string
	Goal      string
	RunType   string
	Options   map[string]any
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status    *RunStatus
	ProjectID *int64
	Limit     int
	Offset    int
}

// RunTransition describes one compare-and-swap on a run's status.
// The store applies it only when the run is currently in From and, for a
// RUNNING->terminal edge with Owner set, held by Owner. A STATUS_CHANGED
// event carrying Reason is appended in the same transaction.
type RunTransition struct {
	RunID      int64
	From       RunStatus
	To         RunStatus
	Owner      string
	LeaseUntil *time.Time
	Reason     string
	Error      *string
	At         time.Time
}

// RunSignals is the durable cooperative signal record for a run.
type RunSignals struct {
	RunID         int64     `json:"run_id"`
	Paused        bool      `json:"paused"`
	StopRequested bool      `json:"stop_requested"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SignalUpdate changes zero or more signals. Nil fields are left as they are.
type SignalUpdate struct {
	Paused        *bool
	StopRequested *bool
}

// ControlRecord is an external control action: an optional signal change
// plus the event that narrates it. Stores reject it on terminal runs.
type ControlRecord struct {
	RunID  int64
	Op     string
	Update SignalUpdate
	Event  EventPayload
	At     time.Time
}
