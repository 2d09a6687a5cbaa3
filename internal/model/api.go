package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Field length limits for request bodies.
const (
	MaxGoalLen      = 32 * 1024 // 32 KB
	MaxDirectiveLen = 16 * 1024 // 16 KB
	MaxNameLen      = 200
	MaxLocationLen  = 4096
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation on a request and flattens the first
// failure into a caller-readable message.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%s is required", field)
		case "max":
			return fmt.Errorf("%s exceeds maximum length of %s", field, fe.Param())
		case "min":
			return fmt.Errorf("%s must be at least %s", field, fe.Param())
		case "oneof":
			return fmt.Errorf("%s must be one of [%s]", field, fe.Param())
		default:
			return fmt.Errorf("%s failed %q validation", field, fe.Tag())
		}
	}
	return err
}

// APIResponse is the standard envelope for single-item responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Retryable distinguishes transient
// backend unavailability from a permanent rejection.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidOperation  = "INVALID_OPERATION"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// ErrorCode maps an error from the taxonomy to its API code. Errors outside
// the taxonomy map to INTERNAL_ERROR.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrInvalidTransition):
		return ErrCodeInvalidTransition
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrLeaseLost):
		return ErrCodeInvalidOperation
	case errors.Is(err, ErrPersistence):
		return ErrCodePersistence
	default:
		return ErrCodeInternalError
	}
}

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	ProjectID *int64         `json:"project_id,omitempty" validate:"omitempty,gt=0"`
	Name      *string        `json:"name,omitempty" validate:"omitempty,max=200"`
	Goal      string         `json:"goal" validate:"required,max=32768"`
	RunType   string         `json:"run_type,omitempty" validate:"omitempty,oneof=simple workflow"`
	Options   map[string]any `json:"options,omitempty"`
}

// Params converts the request to store parameters, applying defaults.
func (r CreateRunRequest) Params() CreateRunParams {
	runType := r.RunType
	if runType == "" {
		runType = RunTypeSimple
	}
	opts := r.Options
	if opts == nil {
		opts = map[string]any{}
	}
	return CreateRunParams{
		ProjectID: r.ProjectID,
		Name:      r.Name,
		Goal:      strings.TrimSpace(r.Goal),
		RunType:   runType,
		Options:   opts,
	}
}

// DirectiveRequest is the body of POST /v1/runs/{run_id}/directives.
type DirectiveRequest struct {
	Directive string `json:"directive" validate:"required,max=16384"`
}

// ControlResponse acknowledges a durably recorded control signal.
type ControlResponse struct {
	RunID   int64      `json:"run_id"`
	Action  string     `json:"action"`
	Signals RunSignals `json:"signals"`
	EventID int64      `json:"event_id"`
}

// RegisterArtifactRequest is the body of POST /v1/runs/{run_id}/artifacts.
type RegisterArtifactRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Kind     string `json:"kind" validate:"required,max=64"`
	Location string `json:"location" validate:"required,max=4096"`
}

// CreateProjectRequest is the body of POST /v1/projects.
type CreateProjectRequest struct {
	Name      string  `json:"name" validate:"required,max=200"`
	LocalPath *string `json:"local_path,omitempty" validate:"omitempty,max=4096"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Store    string        `json:"store"`
	Database string        `json:"database"`
	Worker   *WorkerStatus `json:"worker,omitempty"`
	Uptime   int64         `json:"uptime_seconds"`
}

// WorkerStatusResponse is returned by GET /v1/worker/status.
type WorkerStatusResponse struct {
	Local   *WorkerStatus  `json:"local,omitempty"`
	Cluster []WorkerStatus `json:"cluster,omitempty"`
}
