package kiroku

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func sseFrame(id int64, typ, payload string) string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: {\"id\":%d,\"run_id\":1,\"event_type\":%q,\"payload\":%s}\n\n", id, typ, id, typ, payload)
}

func TestReadSSESkipsKeepalives(t *testing.T) {
	body := ":keepalive\n\n" +
		sseFrame(1, "STATUS_CHANGED", `{"from":"QUEUED","to":"RUNNING"}`) +
		":keepalive\n\n" +
		sseFrame(2, "AGENT_MESSAGE", `{"kind":"log","message":"hi"}`)

	var ids []int64
	err := readSSE(strings.NewReader(body), func(e Event) error {
		ids = append(ids, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestReadSSEBadData(t *testing.T) {
	err := readSSE(strings.NewReader("data: {not json\n\n"), func(Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "decode stream event") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestReadSSELargeEvent(t *testing.T) {
	output := strings.Repeat("x", 5<<20)
	body := sseFrame(1, "STEP_COMPLETED", fmt.Sprintf(`{"step_index":0,"output":%q}`, output)) +
		sseFrame(2, "STATUS_CHANGED", `{"from":"RUNNING","to":"COMPLETED"}`)

	var got []Event
	err := readSSE(strings.NewReader(body), func(e Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if len(got[0].Payload) < 5<<20 {
		t.Fatalf("large payload truncated to %d bytes", len(got[0].Payload))
	}
	if got[1].ID != 2 {
		t.Fatalf("expected event 2 after the large one, got %d", got[1].ID)
	}
}

func TestReadSSEFinalLineWithoutNewline(t *testing.T) {
	var n int
	err := readSSE(strings.NewReader(":keepalive\n\n"+sseFrame(1, "HEARTBEAT", `{}`)+"data: {}"), func(Event) error {
		n++
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("expected one event and no error, got n=%d err=%v", n, err)
	}
}

func TestStreamEventsResumesFromCursor(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/1/stream": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("after_id") != "4" {
				t.Errorf("expected after_id=4, got %q", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, sseFrame(5, "AGENT_MESSAGE", `{}`), sseFrame(6, "AGENT_MESSAGE", `{}`))
		},
	})

	var ids []int64
	err := newTestClient(t, srv.URL).StreamEvents(context.Background(), 1, 4, func(e Event) error {
		ids = append(ids, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}
	if len(ids) != 2 || ids[0] != 5 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestStreamEventsErrorEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/8/stream": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "run 8 not found"},
			})
		},
	})
	err := newTestClient(t, srv.URL).StreamEvents(context.Background(), 8, 0, func(Event) error { return nil })
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWaitForTerminal(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/1/stream": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w,
				sseFrame(1, "STATUS_CHANGED", `{"from":"QUEUED","to":"RUNNING"}`),
				sseFrame(2, "STEP_COMPLETED", `{"step_index":0}`),
				sseFrame(3, "STATUS_CHANGED", `{"from":"RUNNING","to":"COMPLETED","reason":"done"}`),
				sseFrame(4, "AGENT_MESSAGE", `{}`),
			)
		},
	})

	var seen int
	status, err := newTestClient(t, srv.URL).WaitForTerminal(context.Background(), 1, func(Event) { seen++ })
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", status)
	}
	if seen != 3 {
		t.Errorf("expected callback to stop at the terminal event, saw %d", seen)
	}
}

func TestWaitForTerminalStreamEndsEarly(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/1/stream": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, sseFrame(1, "STATUS_CHANGED", `{"from":"QUEUED","to":"RUNNING"}`))
		},
	})
	if _, err := newTestClient(t, srv.URL).WaitForTerminal(context.Background(), 1, nil); err == nil {
		t.Fatal("expected error when the stream ends before a terminal status")
	}
}

func TestStatusChange(t *testing.T) {
	e := Event{Type: "STATUS_CHANGED", Payload: []byte(`{"from":"RUNNING","to":"FAILED","reason":"boom"}`)}
	from, to, reason, ok := e.StatusChange()
	if !ok || from != StatusRunning || to != StatusFailed || reason != "boom" {
		t.Fatalf("unexpected decode: %s %s %s %v", from, to, reason, ok)
	}
	if _, _, _, ok := (Event{Type: "AGENT_MESSAGE"}).StatusChange(); ok {
		t.Fatal("non status events must not decode")
	}
}
