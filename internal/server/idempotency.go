package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
)

// IdempotencyKeyHeader lets clients retry POST /v1/runs and directive
// submissions without creating duplicates.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

// idempotentWrite is a key reserved for the current request.
type idempotentWrite struct {
	endpoint string
	key      string
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key, or replays the
// stored response when the key already completed. proceed is false when a
// response has been written. A nil write with proceed=true means the request
// carried no key.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (write *idempotentWrite, proceed bool) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at most %d characters", IdempotencyKeyHeader, maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("hash idempotent request: %w", err))
		return nil, false
	}
	lookup, err := h.runs.Store().BeginIdempotency(r.Context(), endpoint, key, hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	if lookup.Completed {
		status := lookup.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, status, lookup.ResponseData)
		return nil, false
	}
	return &idempotentWrite{endpoint: endpoint, key: key}, true
}

// completeIdempotentWrite records the committed response. The mutation has
// already happened, so failure is logged rather than returned: the key stays
// in progress and blocks retries until cleanup removes it.
func (h *Handlers) completeIdempotentWrite(r *http.Request, write *idempotentWrite, status int, data any) {
	if write == nil {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("idempotency: marshal response", append(ctxutil.LogAttrs(r.Context()), "error", err)...)
		return
	}

	// Detached from the request so a client disconnect cannot skip it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()
retry:
	for attempt := 1; attempt <= 3; attempt++ {
		if err = h.runs.Store().CompleteIdempotency(ctx, write.endpoint, write.key, status, body); err == nil {
			return
		}
		h.logger.Warn("idempotency: complete attempt failed",
			"attempt", attempt, "endpoint", write.endpoint, "error", err)
		if attempt == 3 {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			break retry
		}
	}
	h.logger.Error("idempotency: key left in progress after committed write",
		append(ctxutil.LogAttrs(r.Context()), "endpoint", write.endpoint, "error", err)...)
}

// clearIdempotentWrite releases the key after a request that changed nothing.
func (h *Handlers) clearIdempotentWrite(r *http.Request, write *idempotentWrite) {
	if write == nil {
		return
	}
	if err := h.runs.Store().ClearIdempotency(context.WithoutCancel(r.Context()), write.endpoint, write.key); err != nil {
		h.logger.Error("idempotency: clear key", "endpoint", write.endpoint, "error", err)
	}
}

const createRunEndpoint = "POST:/v1/runs"

func directivesEndpoint(runID int64) string {
	return fmt.Sprintf("POST:/v1/runs/%d/directives", runID)
}
