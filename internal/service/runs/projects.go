package runs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
)

// CreateProject registers a project. Names are unique.
func (s *Service) CreateProject(ctx context.Context, req model.CreateProjectRequest) (model.Project, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := model.Validate(req); err != nil {
		return model.Project{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return s.store.CreateProject(ctx, req.Name, req.LocalPath)
}

// GetProject returns a project or model.ErrNotFound.
func (s *Service) GetProject(ctx context.Context, id int64) (model.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects returns every project ordered by name.
func (s *Service) ListProjects(ctx context.Context) ([]model.Project, error) {
	return s.store.ListProjects(ctx)
}
