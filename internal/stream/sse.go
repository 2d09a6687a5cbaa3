package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrBadCursor is returned for an unparseable or negative resume cursor.
var ErrBadCursor = errors.New("stream: cursor must be a non-negative integer")

// CursorFromRequest returns the resume cursor of r. The Last-Event-ID header
// set by reconnecting EventSource clients wins over the after_id query
// parameter; both mean "events with id greater than this".
func CursorFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after_id"))
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, ErrBadCursor
	}
	return id, nil
}

// SSEWriter frames events as Server-Sent Events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for an event stream and sends the headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Emit implements EmitFunc.
func (s *SSEWriter) Emit(f Frame) error {
	if f.Keepalive() {
		if _, err := fmt.Fprint(s.w, ":keepalive\n\n"); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}
	data, err := json.Marshal(f.Event)
	if err != nil {
		return fmt.Errorf("stream: encode event %d: %w", f.Event.ID, err)
	}
	if _, err := s.w.Write(formatSSE(f.Event.ID, string(f.Event.Type), data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// formatSSE renders one event. JSON never contains a raw newline, so data
// fits on a single line.
func formatSSE(id int64, eventType string, data []byte) []byte {
	var b strings.Builder
	b.Grow(len(data) + len(eventType) + 32)
	b.WriteString("id: ")
	b.WriteString(strconv.FormatInt(id, 10))
	b.WriteString("\nevent: ")
	b.WriteString(eventType)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}
