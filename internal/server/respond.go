package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
)

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Data: data, Meta: responseMeta(r)})
}

// writeList writes a paginated list envelope.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset, n int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   &total,
		HasMore: offset+n < total,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code == model.ErrCodePersistence || code == model.ErrCodeRateLimited,
		},
		Meta: responseMeta(r),
	})
}

var codeStatus = map[string]int{
	model.ErrCodeInvalidInput:      http.StatusBadRequest,
	model.ErrCodeNotFound:          http.StatusNotFound,
	model.ErrCodeConflict:          http.StatusConflict,
	model.ErrCodeInvalidTransition: http.StatusConflict,
	model.ErrCodeInvalidOperation:  http.StatusConflict,
	model.ErrCodePersistence:       http.StatusServiceUnavailable,
}

// writeServiceError maps a service or store error to its envelope code.
// Internal failures are logged with the request id and reported without
// detail.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status >= 500 {
		h.logger.Error("request failed", append(ctxutil.LogAttrs(r.Context()), "path", r.URL.Path, "error", err)...)
		msg = "internal error"
		if code == model.ErrCodePersistence {
			msg = "storage temporarily unavailable"
		}
	}
	writeError(w, r, status, code, msg)
}

// decodeJSON decodes a JSON request body into target, rejecting unknown
// fields and trailing data.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("%w: request body exceeds %d bytes", model.ErrInvalidInput, maxErr.Limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", model.ErrInvalidInput)
		default:
			return fmt.Errorf("%w: invalid JSON: %s", model.ErrInvalidInput, strings.TrimPrefix(err.Error(), "json: "))
		}
	}
	if decoder.More() {
		return fmt.Errorf("%w: request body has trailing data", model.ErrInvalidInput)
	}
	return nil
}
