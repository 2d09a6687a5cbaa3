package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the payload variant carried by an Event.
type EventType string

const (
	// Lifecycle events.
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventStepStarted   EventType = "STEP_STARTED"
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventStepFailed    EventType = "STEP_FAILED"

	// Worker-reported progress.
	EventPlanGenerated EventType = "PLAN_GENERATED"
	EventAgentMessage  EventType = "AGENT_MESSAGE"
	EventHeartbeat     EventType = "HEARTBEAT"

	// Control.
	EventDirectiveReceived EventType = "DIRECTIVE_RECEIVED"
	EventRunPaused         EventType = "RUN_PAUSED"
	EventRunResumed        EventType = "RUN_RESUMED"
	EventStopRequested     EventType = "STOP_REQUESTED"

	// Coordination.
	EventRunReleased EventType = "RUN_RELEASED"
	EventRunAdopted  EventType = "RUN_ADOPTED"

	EventArtifactRegistered EventType = "ARTIFACT_REGISTERED"
)

// Event is one immutable fact in a run's history. IDs are unique and
// strictly increasing across the whole log, not just per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     int64           `json:"run_id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventPayload is implemented by every payload variant.
type EventPayload interface {
	EventType() EventType
}

// StatusChangedPayload records a run status transition.
type StatusChangedPayload struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// StepStartedPayload records a step entering RUNNING.
type StepStartedPayload struct {
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
}

// StepCompletedPayload records a step finishing successfully.
type StepCompletedPayload struct {
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	Output    string    `json:"output,omitempty"`
	At        time.Time `json:"at"`
}

// StepFailedPayload records a step failure. Step failures are domain data,
// not engine errors.
type StepFailedPayload struct {
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// PlanGeneratedPayload carries the plan an executor produced.
type PlanGeneratedPayload struct {
	Plan      string `json:"plan"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// Agent message kinds.
const (
	MessageThinking  = "thinking"
	MessageExecuting = "executing"
	MessageLog       = "log"
)

// AgentMessagePayload carries free-form progress output from an executor.
type AgentMessagePayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// HeartbeatPayload proves liveness during a long step.
type HeartbeatPayload struct {
	WorkerID  string    `json:"worker_id"`
	StepIndex *int      `json:"step_index,omitempty"`
	At        time.Time `json:"at"`
}

// DirectiveReceivedPayload carries a free-text instruction submitted mid-run.
type DirectiveReceivedPayload struct {
	Directive string `json:"directive"`
}

// SignalPayload is shared by RUN_PAUSED, RUN_RESUMED and STOP_REQUESTED.
type SignalPayload struct {
	Signal      EventType `json:"-"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunReleasedPayload records a worker giving up ownership without a status change.
type RunReleasedPayload struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// RunAdoptedPayload records a worker taking over an ownerless RUNNING run.
type RunAdoptedPayload struct {
	WorkerID      string `json:"worker_id"`
	PreviousOwner string `json:"previous_owner,omitempty"`
}

// ArtifactRegisteredPayload mirrors an artifact row into the narrative log.
type ArtifactRegisteredPayload struct {
	ArtifactID int64  `json:"artifact_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Location   string `json:"location"`
}

func (StatusChangedPayload) EventType() EventType      { return EventStatusChanged }
func (StepStartedPayload) EventType() EventType        { return EventStepStarted }
func (StepCompletedPayload) EventType() EventType      { return EventStepCompleted }
func (StepFailedPayload) EventType() EventType         { return EventStepFailed }
func (PlanGeneratedPayload) EventType() EventType      { return EventPlanGenerated }
func (AgentMessagePayload) EventType() EventType       { return EventAgentMessage }
func (HeartbeatPayload) EventType() EventType          { return EventHeartbeat }
func (DirectiveReceivedPayload) EventType() EventType  { return EventDirectiveReceived }
func (p SignalPayload) EventType() EventType           { return p.Signal }
func (RunReleasedPayload) EventType() EventType        { return EventRunReleased }
func (RunAdoptedPayload) EventType() EventType         { return EventRunAdopted }
func (ArtifactRegisteredPayload) EventType() EventType { return EventArtifactRegistered }

// EncodePayload returns the event type and JSON body for p.
func EncodePayload(p EventPayload) (EventType, json.RawMessage, error) {
	if p == nil {
		return "", nil, fmt.Errorf("model: nil event payload")
	}
	t := p.EventType()
	if t == "" {
		return "", nil, fmt.Errorf("model: payload %T has no event type", p)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("model: marshal %s payload: %w", t, err)
	}
	return t, b, nil
}

// DecodePayload returns the typed payload variant of e.
func DecodePayload(e Event) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch e.Type {
	case EventStatusChanged:
		p, err = decodeAs[StatusChangedPayload](e.Payload)
	case EventStepStarted:
		p, err = decodeAs[StepStartedPayload](e.Payload)
	case EventStepCompleted:
		p, err = decodeAs[StepCompletedPayload](e.Payload)
	case EventStepFailed:
		p, err = decodeAs[StepFailedPayload](e.Payload)
	case EventPlanGenerated:
		p, err = decodeAs[PlanGeneratedPayload](e.Payload)
	case EventAgentMessage:
		p, err = decodeAs[AgentMessagePayload](e.Payload)
	case EventHeartbeat:
		p, err = decodeAs[HeartbeatPayload](e.Payload)
	case EventDirectiveReceived:
		p, err = decodeAs[DirectiveReceivedPayload](e.Payload)
	case EventRunPaused, EventRunResumed, EventStopRequested:
		var s SignalPayload
		s, err = decodeAs[SignalPayload](e.Payload)
		s.Signal = e.Type
		p = s
	case EventRunReleased:
		p, err = decodeAs[RunReleasedPayload](e.Payload)
	case EventRunAdopted:
		p, err = decodeAs[RunAdoptedPayload](e.Payload)
	case EventArtifactRegistered:
		p, err = decodeAs[ArtifactRegisteredPayload](e.Payload)
	default:
		return nil, fmt.Errorf("model: unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decode %s payload (event %d): %w", e.Type, e.ID, err)
	}
	return p, nil
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// Directive is a DIRECTIVE_RECEIVED event as seen by an executor.
type Directive struct {
	EventID    int64     `json:"event_id"`
	Text       string    `json:"directive"`
	ReceivedAt time.Time `json:"received_at"`
}
