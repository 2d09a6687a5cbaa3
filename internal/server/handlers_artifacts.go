package server

import (
	"net/http"

	"github.com/ashita-ai/kiroku/internal/model"
)

// HandleRegisterArtifact handles POST /v1/runs/{run_id}/artifacts.
func (h *Handlers) HandleRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.limitBody(w, r)
	var req model.RegisterArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	a, err := h.artifacts.Register(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleListArtifacts handles GET /v1/runs/{run_id}/artifacts.
func (h *Handlers) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	list, err := h.artifacts.List(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Artifact{}
	}
	writeJSON(w, r, http.StatusOK, list)
}
