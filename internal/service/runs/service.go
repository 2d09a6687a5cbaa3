// Package runs is the run and step state machine.
//
// The HTTP API, the MCP server and the worker coordinator all drive runs
// through this service. Every accepted transition is a compare-and-swap in
// the store, committed together with the event that narrates it.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// List paging bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Service encapsulates run lifecycle logic shared by HTTP, MCP and workers.
type Service struct {
	store  storage.Store
	logger *slog.Logger

	transitions metric.Int64Counter
	controls    metric.Int64Counter
	rejected    metric.Int64Counter
}

// New creates a run Service backed by store.
func New(store storage.Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kiroku/runs")
	transitions, _ := meter.Int64Counter("kiroku.runs.transitions",
		metric.WithDescription("Accepted run status transitions"),
	)
	controls, _ := meter.Int64Counter("kiroku.runs.controls",
		metric.WithDescription("Recorded control actions (pause, resume, stop, directive)"),
	)
	rejected, _ := meter.Int64Counter("kiroku.runs.rejected_transitions",
		metric.WithDescription("Transitions rejected by the state machine"),
	)
	return &Service{
		store:       store,
		logger:      logger,
		transitions: transitions,
		controls:    controls,
		rejected:    rejected,
	}
}

// Store exposes the backing store for components that page the log directly.
func (s *Service) Store() storage.Store { return s.store }

// Create validates req and inserts a QUEUED run. No event is appended.
func (s *Service) Create(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	if err := model.Validate(req); err != nil {
		return model.Run{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	params := req.Params()
	if params.Goal == "" {
		return model.Run{}, fmt.Errorf("%w: goal is required", model.ErrInvalidInput)
	}
	run, err := s.store.CreateRun(ctx, params)
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("run created",
		append([]any{"run_id", run.ID, "run_type", run.RunType}, ctxutil.LogAttrs(ctx)...)...)
	return run, nil
}

// Get returns a run or model.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (model.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns one page of runs (newest first) and the total match count.
func (s *Service) List(ctx context.Context, f model.RunFilter) ([]model.Run, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, *f.Status)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	f.Offset = max(f.Offset, 0)
	return s.store.ListRuns(ctx, f)
}

// Claimable lists runs a coordinator may claim (QUEUED) or adopt (RUNNING
// without a live owner) right now, oldest first.
func (s *Service) Claimable(ctx context.Context, limit int) ([]model.Run, error) {
	return s.store.ListClaimable(ctx, time.Now(), limit)
}

// Claim moves a QUEUED run to RUNNING under owner. Losing a claim race
// yields model.ErrInvalidTransition.
func (s *Service) Claim(ctx context.Context, id int64, owner string, lease time.Duration) (model.Run, error) {
	until := time.Now().Add(lease)
	return s.transition(ctx, model.RunTransition{
		RunID: id, From: model.RunStatusQueued, To: model.RunStatusRunning,
		Owner: owner, LeaseUntil: &until, Reason: "claimed by " + owner,
	})
}

// Adopt takes over a RUNNING run whose owner released it or whose lease
// expired. A step the previous owner left RUNNING is failed first.
func (s *Service) Adopt(ctx context.Context, id int64, owner string, lease time.Duration) (model.Run, error) {
	now := time.Now()
	run, events, err := s.store.AdoptRun(ctx, id, owner, now.Add(lease), now)
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("run adopted", "run_id", id, "owner", owner, "events", len(events))
	return run, nil
}

// Complete finishes a RUNNING run successfully.
func (s *Service) Complete(ctx context.Context, id int64, owner, reason string) (model.Run, error) {
	return s.transition(ctx, model.RunTransition{
		RunID: id, From: model.RunStatusRunning, To: model.RunStatusCompleted, Owner: owner, Reason: reason,
	})
}

// Fail finishes a RUNNING run with an error message.
func (s *Service) Fail(ctx context.Context, id int64, owner, message string) (model.Run, error) {
	return s.transition(ctx, model.RunTransition{
		RunID: id, From: model.RunStatusRunning, To: model.RunStatusFailed, Owner: owner,
		Reason: message, Error: &message,
	})
}

// Cancel finishes a RUNNING run after an honored stop request.
func (s *Service) Cancel(ctx context.Context, id int64, owner, reason string) (model.Run, error) {
	return s.transition(ctx, model.RunTransition{
		RunID: id, From: model.RunStatusRunning, To: model.RunStatusCanceled, Owner: owner, Reason: reason,
	})
}

// Release gives up ownership without changing status. The run becomes
// adoptable by any coordinator.
func (s *Service) Release(ctx context.Context, id int64, owner, reason string) error {
	_, err := s.store.ReleaseRun(ctx, id, owner, reason)
	return err
}

func (s *Service) transition(ctx context.Context, t model.RunTransition) (model.Run, error) {
	run, _, err := s.store.TransitionRun(ctx, t)
	attrs := metric.WithAttributes(
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	)
	if err != nil {
		if model.Retryable(err) {
			s.logger.Warn("run transition failed", "run_id", t.RunID, "from", t.From, "to", t.To, "error", err)
		} else {
			s.rejected.Add(ctx, 1, attrs)
		}
		return model.Run{}, err
	}
	s.transitions.Add(ctx, 1, attrs)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("kiroku.run_id", t.RunID),
		attribute.String("kiroku.run_status", string(t.To)),
	)
	return run, nil
}

// StartStep opens step index in RUNNING and raises current_iteration.
func (s *Service) StartStep(ctx context.Context, id int64, owner string, index, attempt int) (model.Step, error) {
	step, _, err := s.store.StartStep(ctx, model.StepStart{RunID: id, Owner: owner, Index: index, Attempt: attempt})
	return step, err
}

// CompleteStep finishes the RUNNING step index with output.
func (s *Service) CompleteStep(ctx context.Context, id int64, owner string, index int, output string) (model.Step, error) {
	var out *string
	if output != "" {
		out = &output
	}
	step, _, err := s.store.FinishStep(ctx, model.StepFinish{
		RunID: id, Owner: owner, Index: index, To: model.StepStatusCompleted, Output: out,
	})
	return step, err
}

// FailStep finishes the RUNNING step index with an error. retryable records
// whether the failure policy may try again; it does not change the run.
func (s *Service) FailStep(ctx context.Context, id int64, owner string, index int, message string, retryable bool) (model.Step, error) {
	step, _, err := s.store.FinishStep(ctx, model.StepFinish{
		RunID: id, Owner: owner, Index: index, To: model.StepStatusFailed, Error: &message, Retryable: retryable,
	})
	return step, err
}

// Heartbeat extends owner's lease and records a HEARTBEAT. It returns
// model.ErrLeaseLost once another worker holds the run.
func (s *Service) Heartbeat(ctx context.Context, id int64, owner string, stepIndex *int, lease time.Duration) error {
	now := time.Now()
	if err := s.store.RenewLease(ctx, id, owner, now.Add(lease)); err != nil {
		return err
	}
	_, err := s.store.AppendEvent(ctx, id, model.HeartbeatPayload{WorkerID: owner, StepIndex: stepIndex, At: now.UTC()})
	return err
}

// RecordPlan appends PLAN_GENERATED.
func (s *Service) RecordPlan(ctx context.Context, id int64, plan string, stepIndex *int) (model.Event, error) {
	return s.store.AppendEvent(ctx, id, model.PlanGeneratedPayload{Plan: plan, StepIndex: stepIndex})
}

// RecordMessage appends AGENT_MESSAGE of the given kind.
func (s *Service) RecordMessage(ctx context.Context, id int64, kind, message string, stepIndex *int) (model.Event, error) {
	switch kind {
	case model.MessageThinking, model.MessageExecuting, model.MessageLog:
	default:
		return model.Event{}, fmt.Errorf("%w: unknown message kind %q", model.ErrInvalidInput, kind)
	}
	return s.store.AppendEvent(ctx, id, model.AgentMessagePayload{Kind: kind, Message: message, StepIndex: stepIndex})
}

// Pause asks the owner to release the run at the next step boundary.
func (s *Service) Pause(ctx context.Context, id int64) (model.ControlResponse, error) {
	paused := true
	return s.control(ctx, id, "pause", model.SignalUpdate{Paused: &paused}, model.EventRunPaused)
}

// Resume clears the pause signal so the run becomes claimable again.
func (s *Service) Resume(ctx context.Context, id int64) (model.ControlResponse, error) {
	paused := false
	return s.control(ctx, id, "resume", model.SignalUpdate{Paused: &paused}, model.EventRunResumed)
}

// Stop asks the owner to cancel the run at the next step boundary. A stop
// overrides a pause.
func (s *Service) Stop(ctx context.Context, id int64) (model.ControlResponse, error) {
	stop := true
	return s.control(ctx, id, "stop", model.SignalUpdate{StopRequested: &stop}, model.EventStopRequested)
}

func (s *Service) control(ctx context.Context, id int64, op string, u model.SignalUpdate, signal model.EventType) (model.ControlResponse, error) {
	at := time.Now().UTC()
	sig, e, err := s.store.RecordControl(ctx, model.ControlRecord{
		RunID:  id,
		Op:     op,
		Update: u,
		Event:  model.SignalPayload{Signal: signal, RequestedAt: at},
		At:     at,
	})
	if err != nil {
		return model.ControlResponse{}, err
	}
	s.controls.Add(ctx, 1, metric.WithAttributes(attribute.String("action", op)))
	s.logger.Info("run control recorded",
		append([]any{"run_id", id, "action", op, "event_id", e.ID}, ctxutil.LogAttrs(ctx)...)...)
	return model.ControlResponse{RunID: id, Action: op, Signals: sig, EventID: e.ID}, nil
}

// SubmitDirective durably records a free-text instruction for the run's
// executor. Rejected with model.ErrInvalidOperation on terminal runs.
func (s *Service) SubmitDirective(ctx context.Context, id int64, text string) (model.Event, error) {
	req := model.DirectiveRequest{Directive: strings.TrimSpace(text)}
	if err := model.Validate(req); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	_, e, err := s.store.RecordControl(ctx, model.ControlRecord{
		RunID: id,
		Op:    "submit directive to",
		Event: model.DirectiveReceivedPayload{Directive: req.Directive},
	})
	if err != nil {
		return model.Event{}, err
	}
	s.controls.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "directive")))
	s.logger.Info("directive received",
		append([]any{"run_id", id, "event_id", e.ID}, ctxutil.LogAttrs(ctx)...)...)
	return e, nil
}

// Directives returns DIRECTIVE_RECEIVED events after afterID in order.
func (s *Service) Directives(ctx context.Context, id, afterID int64) ([]model.Directive, error) {
	var out []model.Directive
	cursor := afterID
	for {
		page, err := s.store.ListEventsOfType(ctx, id, model.EventDirectiveReceived, cursor, storage.MaxEventPage)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			p, err := model.DecodePayload(e)
			if err != nil {
				return nil, err
			}
			out = append(out, model.Directive{
				EventID:    e.ID,
				Text:       p.(model.DirectiveReceivedPayload).Directive,
				ReceivedAt: e.CreatedAt,
			})
		}
		if len(page) < storage.MaxEventPage {
			return out, nil
		}
		cursor = page[len(page)-1].ID
	}
}

// Signals returns the cooperative signals for a run.
func (s *Service) Signals(ctx context.Context, id int64) (model.RunSignals, error) {
	return s.store.GetSignals(ctx, id)
}

// ListEvents returns events after afterID for an existing run.
func (s *Service) ListEvents(ctx context.Context, id, afterID int64, limit int) ([]model.Event, error) {
	if afterID < 0 {
		return nil, fmt.Errorf("%w: after_id must be >= 0", model.ErrInvalidInput)
	}
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, afterID, limit)
}

// ListSteps returns the steps of an existing run in index order.
func (s *Service) ListSteps(ctx context.Context, id int64) ([]model.Step, error) {
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, id)
}
