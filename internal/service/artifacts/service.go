// Package artifacts registers the outputs a run materializes.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Service records artifact metadata. Content lives wherever Location points.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates an artifact Service.
func New(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Register stores an artifact for an existing run and mirrors it into the
// run's event log as ARTIFACT_REGISTERED. The mirror is best effort: the
// artifact row is authoritative and a failed append is only logged.
func (s *Service) Register(ctx context.Context, runID int64, req model.RegisterArtifactRequest) (model.Artifact, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Kind = strings.TrimSpace(req.Kind)
	req.Location = strings.TrimSpace(req.Location)
	if err := model.Validate(req); err != nil {
		return model.Artifact{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	a, err := s.store.CreateArtifact(ctx, model.Artifact{
		RunID:    runID,
		Name:     req.Name,
		Kind:     req.Kind,
		Location: req.Location,
	})
	if err != nil {
		return model.Artifact{}, err
	}

	if _, err := s.store.AppendEvent(ctx, runID, model.ArtifactRegisteredPayload{
		ArtifactID: a.ID,
		Name:       a.Name,
		Kind:       a.Kind,
		Location:   a.Location,
	}); err != nil {
		s.logger.Warn("artifacts: mirror event failed", "run_id", runID, "artifact_id", a.ID, "error", err)
	}
	return a, nil
}

// List returns a run's artifacts in creation order.
func (s *Service) List(ctx context.Context, runID int64) ([]model.Artifact, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, runID)
}
