package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/runs"
)

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	idem, proceed := h.beginIdempotentWrite(w, r, createRunEndpoint, req)
	if !proceed {
		return
	}
	run, err := h.runs.Create(r.Context(), req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, run)
	if h.worker != nil {
		h.worker.Kick()
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/runs/%d", run.ID))
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	var f model.RunFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st := model.RunStatus(v)
		f.Status = &st
	}
	if q.Get("project_id") != "" {
		pid, err := queryInt(r, "project_id", 0)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		p := int64(pid)
		f.ProjectID = &p
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", runs.DefaultListLimit); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if f.Offset, err = queryOffset(r); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	list, total, err := h.runs.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = runs.DefaultListLimit
	case limit > runs.MaxListLimit:
		limit = runs.MaxListLimit
	}
	if list == nil {
		list = []model.Run{}
	}
	writeList(w, r, list, total, limit, f.Offset, len(list))
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	afterID, err := queryInt(r, "after_id", 0)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	events, err := h.runs.ListEvents(r.Context(), id, int64(afterID), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleListSteps handles GET /v1/runs/{run_id}/steps.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	steps, err := h.runs.ListSteps(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if steps == nil {
		steps = []model.Step{}
	}
	writeJSON(w, r, http.StatusOK, steps)
}

// HandlePause handles POST /v1/runs/{run_id}/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handleControl(w, r, h.runs.Pause)
}

// HandleResume handles POST /v1/runs/{run_id}/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.handleControl(w, r, h.runs.Resume)
}

// HandleStop handles POST /v1/runs/{run_id}/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.handleControl(w, r, h.runs.Stop)
}

func (h *Handlers) handleControl(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (model.ControlResponse, error)) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp, err := fn(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// Resumed and stopped runs become claimable; don't wait for the next poll.
	if h.worker != nil {
		h.worker.Kick()
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleSubmitDirective handles POST /v1/runs/{run_id}/directives.
func (h *Handlers) HandleSubmitDirective(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.limitBody(w, r)
	var req model.DirectiveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	idem, proceed := h.beginIdempotentWrite(w, r, directivesEndpoint(id), req)
	if !proceed {
		return
	}
	event, err := h.runs.SubmitDirective(r.Context(), id, req.Directive)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusAccepted, event)
	writeJSON(w, r, http.StatusAccepted, event)
}
