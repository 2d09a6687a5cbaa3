package server

import (
	"fmt"
	"net/http"

	"github.com/ashita-ai/kiroku/internal/model"
)

// HandleCreateProject handles POST /v1/projects.
func (h *Handlers) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.CreateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p, err := h.runs.CreateProject(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/projects/%d", p.ID))
	writeJSON(w, r, http.StatusCreated, p)
}

// HandleListProjects handles GET /v1/projects.
func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.runs.ListProjects(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, r, http.StatusOK, projects)
}

// HandleGetProject handles GET /v1/projects/{project_id}.
func (h *Handlers) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "project_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p, err := h.runs.GetProject(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}
