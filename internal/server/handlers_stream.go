package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/stream"
)

// streamStart validates the run and the resume cursor before any streaming
// headers are written, so both failures still get a JSON envelope.
func (h *Handlers) streamStart(w http.ResponseWriter, r *http.Request) (runID, afterID int64, ok bool) {
	runID, err := pathID(r, "run_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return 0, 0, false
	}
	afterID, err = stream.CursorFromRequest(r)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: %v", model.ErrInvalidInput, err))
		return 0, 0, false
	}
	if _, err := h.runs.Get(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return 0, 0, false
	}
	return runID, afterID, true
}

// HandleStream handles GET /v1/runs/{run_id}/stream (SSE).
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	runID, afterID, ok := h.streamStart(w, r)
	if !ok {
		return
	}
	snapshot, err := queryBool(r, "snapshot")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Idle streams must outlive the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	if err := h.publisher.Stream(r.Context(), runID, afterID, snapshot, sse.Emit); err != nil {
		h.logger.Warn("sse stream ended with error", "run_id", runID, "error", err)
	}
}

// HandleWebSocket handles GET /v1/runs/{run_id}/ws.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID, afterID, ok := h.streamStart(w, r)
	if !ok {
		return
	}
	h.ws.Serve(r.Context(), w, r, runID, afterID)
}
