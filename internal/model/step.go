package model

import (
	"slices"
	"time"
)

// StepStatus represents the lifecycle state of one step of a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed},
}

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// CanTransitionTo reports whether the step state machine permits s -> to.
func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	return slices.Contains(stepTransitions[s], to)
}

// CheckStepTransition returns a *TransitionError when from -> to is not allowed.
func CheckStepTransition(from, to StepStatus) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{Entity: "step", From: string(from), To: string(to)}
	}
	return nil
}

// Step is one iteration of the agent loop within a run.
// Steps are identified by (RunID, Index). A retried step gets a new index
// and Attempt counts how many times the same unit of work has been tried.
type Step struct {
	RunID     int64      `json:"run_id"`
	Index     int        `json:"step_index"`
	Status    StepStatus `json:"status"`
	Attempt   int        `json:"attempt"`
	Output    *string    `json:"output,omitempty"`
	Error     *string    `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StepStart asks the store to open step Index of RunID in RUNNING.
// Owner must hold the run.
type StepStart struct {
	RunID   int64
	Owner   string
	Index   int
	Attempt int
	At      time.Time
}

// StepFinish moves the RUNNING step Index of RunID to To.
type StepFinish struct {
	RunID     int64
	Owner     string
	Index     int
	To        StepStatus
	Output    *string
	Error     *string
	Retryable bool
	At        time.Time
}
