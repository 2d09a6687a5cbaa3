package kiroku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kiroku server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used. Streams never use the client timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kiroku API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kiroku: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kiroku: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	streamClient := *httpClient
	streamClient.Timeout = 0

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		stream:  &streamClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun queues a run for a goal. The run starts QUEUED.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves one run.
func (c *Client) GetRun(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	if err := c.get(ctx, runPath(runID, ""), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first. Nil opts list the first page.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*RunList, error) {
	q := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		if opts.ProjectID > 0 {
			q.Set("project_id", strconv.FormatInt(opts.ProjectID, 10))
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			q.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page struct {
		Data    []Run `json:"data"`
		Total   int   `json:"total"`
		HasMore bool  `json:"has_more"`
		Limit   int   `json:"limit"`
		Offset  int   `json:"offset"`
	}
	if err := c.getRaw(ctx, path, &page); err != nil {
		return nil, err
	}
	return &RunList{Runs: page.Data, Total: page.Total, HasMore: page.HasMore, Limit: page.Limit, Offset: page.Offset}, nil
}

// ListEvents returns events of a run with id greater than afterID, in id
// order. A limit of zero uses the server default.
func (c *Client) ListEvents(ctx context.Context, runID, afterID int64, limit int) ([]Event, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := runPath(runID, "/events")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []Event
	if err := c.get(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListSteps returns the steps of a run in index order.
func (c *Client) ListSteps(ctx context.Context, runID int64) ([]Step, error) {
	var steps []Step
	if err := c.get(ctx, runPath(runID, "/steps"), &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Pause holds the run between steps.
func (c *Client) Pause(ctx context.Context, runID int64) (*ControlResponse, error) {
	return c.control(ctx, runID, "pause")
}

// Resume lets a paused run continue.
func (c *Client) Resume(ctx context.Context, runID int64) (*ControlResponse, error) {
	return c.control(ctx, runID, "resume")
}

// Stop cancels the run after its current step. It cannot be undone.
func (c *Client) Stop(ctx context.Context, runID int64) (*ControlResponse, error) {
	return c.control(ctx, runID, "stop")
}

func (c *Client) control(ctx context.Context, runID int64, action string) (*ControlResponse, error) {
	var resp ControlResponse
	if err := c.post(ctx, runPath(runID, "/"+action), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitDirective sends a free-text instruction that the run's worker
// applies from its next step. It returns the DIRECTIVE_RECEIVED event.
func (c *Client) SubmitDirective(ctx context.Context, runID int64, directive string) (*Event, error) {
	var ev Event
	body := map[string]string{"directive": directive}
	if err := c.post(ctx, runPath(runID, "/directives"), body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ---------------------------------------------------------------------------
// Artifacts and projects
// ---------------------------------------------------------------------------

// RegisterArtifact records an output of a run by reference.
func (c *Client) RegisterArtifact(ctx context.Context, runID int64, req RegisterArtifactRequest) (*Artifact, error) {
	var a Artifact
	if err := c.post(ctx, runPath(runID, "/artifacts"), req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns a run's artifacts in registration order.
func (c *Client) ListArtifacts(ctx context.Context, runID int64) ([]Artifact, error) {
	var list []Artifact
	if err := c.get(ctx, runPath(runID, "/artifacts"), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateProject registers a project. Duplicate names fail with IsConflict.
func (c *Client) CreateProject(ctx context.Context, name string, localPath *string) (*Project, error) {
	body := struct {
		Name      string  `json:"name"`
		LocalPath *string `json:"local_path,omitempty"`
	}{name, localPath}
	var p Project
	if err := c.post(ctx, "/v1/projects", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var list []Project
	if err := c.get(ctx, "/v1/projects", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Health checks server liveness. An unhealthy store is reported as a 503 *Error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func runPath(runID int64, suffix string) string {
	return "/v1/runs/" + strconv.FormatInt(runID, 10) + suffix
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kiroku: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok && key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return c.doRequest(req, dest, true)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches an Idempotency-Key to CreateRun and
// SubmitDirective calls made with the returned context. Retrying with the
// same key and request replays the first response instead of writing twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	return c.doRequest(req, dest, true)
}

// getRaw decodes the whole body into dest, for list envelopes whose
// pagination fields sit beside "data".
func (c *Client) getRaw(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	return c.doRequest(req, dest, false)
}

func (c *Client) doRequest(req *http.Request, dest any, unwrap bool) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kiroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest, unwrap)
}

func handleResponse(resp *http.Response, dest any, unwrap bool) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kiroku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if !unwrap {
		return json.Unmarshal(bodyBytes, dest)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kiroku: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Fallback: tolerate endpoints that do not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Retryable = envelope.Error.Retryable
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
