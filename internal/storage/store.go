package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite
// backends. Every method that changes run or step state also appends the
// narrating event in the same transaction and issues an EventNotice once
// that transaction commits.
type Store interface {
	Kind() string
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, name string, localPath *string) (model.Project, error)
	GetProject(ctx context.Context, id int64) (model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error)
	GetRun(ctx context.Context, id int64) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error)
	// ListClaimable returns QUEUED runs and ownerless or lease-expired RUNNING
	// runs, oldest first, skipping runs that are paused without a pending stop.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]model.Run, error)
	TransitionRun(ctx context.Context, t model.RunTransition) (model.Run, model.Event, error)
	AdoptRun(ctx context.Context, runID int64, owner string, leaseUntil, now time.Time) (model.Run, []model.Event, error)
	ReleaseRun(ctx context.Context, runID int64, owner, reason string) (model.Event, error)
	RenewLease(ctx context.Context, runID int64, owner string, leaseUntil time.Time) error

	AppendEvent(ctx context.Context, runID int64, p model.EventPayload) (model.Event, error)
	ListEvents(ctx context.Context, runID, afterID int64, limit int) ([]model.Event, error)
	// ListEventsOfType is ListEvents restricted to one event type.
	ListEventsOfType(ctx context.Context, runID int64, typ model.EventType, afterID int64, limit int) ([]model.Event, error)

	StartStep(ctx context.Context, s model.StepStart) (model.Step, model.Event, error)
	FinishStep(ctx context.Context, s model.StepFinish) (model.Step, model.Event, error)
	ListSteps(ctx context.Context, runID int64) ([]model.Step, error)

	GetSignals(ctx context.Context, runID int64) (model.RunSignals, error)
	RecordControl(ctx context.Context, c model.ControlRecord) (model.RunSignals, model.Event, error)

	CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error)
	ListArtifacts(ctx context.Context, runID int64) ([]model.Artifact, error)

	BeginIdempotency(ctx context.Context, endpoint, key, requestHash string) (IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, endpoint, key string, statusCode int, response json.RawMessage) error
	ClearIdempotency(ctx context.Context, endpoint, key string) error
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

var _ Store = (*DB)(nil)

// Default and maximum page sizes for event queries.
const (
	DefaultEventPage = 500
	MaxEventPage     = 5000
)

// ClampEventLimit normalizes a caller-supplied event page size.
func ClampEventLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventPage
	}
	return min(limit, MaxEventPage)
}
