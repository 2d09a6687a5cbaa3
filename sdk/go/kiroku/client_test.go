package kiroku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// mockServer creates an httptest server that mimics the kiroku API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	var keys []string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			keys = append(keys, r.Header.Get("Idempotency-Key"))
			writeJSON(w, http.StatusCreated, map[string]any{"data": Run{ID: 1}})
		},
	})
	c := newTestClient(t, srv.URL)

	if _, err := c.CreateRun(WithIdempotencyKey(context.Background(), "retry-me"), CreateRunRequest{Goal: "g"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := c.CreateRun(context.Background(), CreateRunRequest{Goal: "g"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if len(keys) != 2 || keys[0] != "retry-me" || keys[1] != "" {
		t.Fatalf("unexpected Idempotency-Key headers: %q", keys)
	}
}

func TestCreateRunSendsBody(t *testing.T) {
	var got CreateRunRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode body: %v", err)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Run{ID: 42, Goal: got.Goal, RunType: "simple", Status: StatusQueued},
			})
		},
	})

	run, err := newTestClient(t, srv.URL).CreateRun(context.Background(), CreateRunRequest{
		Goal:    "summarize the logs",
		Options: map[string]any{"max_iterations": 2},
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID != 42 || run.Status != StatusQueued {
		t.Errorf("unexpected run: %+v", run)
	}
	if got.Goal != "summarize the logs" {
		t.Errorf("server saw goal %q", got.Goal)
	}
	if got.Options["max_iterations"] != float64(2) {
		t.Errorf("server saw options %v", got.Options)
	}
}

func TestListRunsQueryAndPagination(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("status") != "RUNNING" || q.Get("project_id") != "3" || q.Get("limit") != "2" || q.Get("offset") != "4" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Run{{ID: 5}, {ID: 6}},
				"total":    9,
				"has_more": true,
				"limit":    2,
				"offset":   4,
			})
		},
	})

	page, err := newTestClient(t, srv.URL).ListRuns(context.Background(), &ListRunsOptions{
		Status: StatusRunning, ProjectID: 3, Limit: 2, Offset: 4,
	})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page.Runs) != 2 || page.Total != 9 || !page.HasMore || page.Offset != 4 {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestListEventsCursor(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/7/events": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("after_id") != "10" {
				t.Errorf("expected after_id=10, got %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Event{{ID: 11, RunID: 7, Type: "AGENT_MESSAGE", Payload: json.RawMessage(`{"kind":"log"}`)}},
			})
		},
	})

	events, err := newTestClient(t, srv.URL).ListEvents(context.Background(), 7, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != 11 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestControlActions(t *testing.T) {
	var hits []string
	handler := func(action string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, action)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": ControlResponse{RunID: 1, Action: action, Signals: Signals{RunID: 1, Paused: action == "pause", StopRequested: action == "stop"}},
			})
		}
	}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/1/pause":  handler("pause"),
		"POST /v1/runs/1/resume": handler("resume"),
		"POST /v1/runs/1/stop":   handler("stop"),
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	resp, err := c.Pause(ctx, 1)
	if err != nil || !resp.Signals.Paused {
		t.Fatalf("Pause: %+v, %v", resp, err)
	}
	if _, err := c.Resume(ctx, 1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resp, err = c.Stop(ctx, 1)
	if err != nil || !resp.Signals.StopRequested {
		t.Fatalf("Stop: %+v, %v", resp, err)
	}
	if strings.Join(hits, ",") != "pause,resume,stop" {
		t.Errorf("unexpected call order: %v", hits)
	}
}

func TestSubmitDirective(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/2/directives": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": Event{ID: 30, RunID: 2, Type: "DIRECTIVE_RECEIVED", Payload: json.RawMessage(fmt.Sprintf(`{"directive":%q}`, body["directive"]))},
			})
		},
	})

	ev, err := newTestClient(t, srv.URL).SubmitDirective(context.Background(), 2, "focus on tests")
	if err != nil {
		t.Fatalf("SubmitDirective failed: %v", err)
	}
	if ev.Type != "DIRECTIVE_RECEIVED" || !strings.Contains(string(ev.Payload), "focus on tests") {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/404": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "run 404 not found"},
			})
		},
		"POST /v1/runs/9/pause": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "INVALID_OPERATION", "message": "cannot pause run 9 in status COMPLETED"},
			})
		},
		"GET /v1/projects": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]any{"code": "PERSISTENCE_ERROR", "message": "store unavailable", "retryable": true},
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetRun(ctx, 404)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := err.Error(); got != "kiroku: NOT_FOUND (404): run 404 not found" {
		t.Errorf("unexpected message: %s", got)
	}

	_, err = c.Pause(ctx, 9)
	if !IsConflict(err) || IsRetryable(err) {
		t.Fatalf("expected non-retryable conflict, got %v", err)
	}

	_, err = c.ListProjects(ctx)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/1": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(t, srv.URL).GetRun(context.Background(), 1)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != "Bad Gateway" || !strings.Contains(apiErr.Message, "bad gateway") {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestRateLimited(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "slow down"},
			})
		},
	})
	_, err := newTestClient(t, srv.URL).ListRuns(context.Background(), nil)
	if !IsRateLimited(err) || !IsRetryable(err) {
		t.Fatalf("expected retryable rate limit, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/1": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	})
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetRun(context.Background(), 1); err == nil {
		t.Fatal("expected timeout error")
	}
}
