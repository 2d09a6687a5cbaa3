package kiroku

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrStopStream may be returned by a StreamEvents callback to end the
// stream without an error.
var ErrStopStream = errors.New("kiroku: stop stream")

// StreamEvents follows a run's event log over Server-Sent Events, calling fn
// for every event with id greater than afterID, in order. It returns when
// ctx is done, the server closes the stream, or fn returns an error.
// Returning ErrStopStream from fn ends the stream with a nil error.
//
// To resume after a disconnect, call again with the last event id seen.
func (c *Client) StreamEvents(ctx context.Context, runID, afterID int64, fn func(Event) error) error {
	path := runPath(runID, "/stream")
	if afterID > 0 {
		path += "?after_id=" + strconv.FormatInt(afterID, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiroku: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("kiroku: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return handleResponse(resp, nil, true)
	}

	err = readSSE(resp.Body, fn)
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// WaitForTerminal streams a run's events until its STATUS_CHANGED event
// reaches a terminal status, and returns that status. fn, when non-nil,
// sees every event first.
func (c *Client) WaitForTerminal(ctx context.Context, runID int64, fn func(Event)) (string, error) {
	var final string
	err := c.StreamEvents(ctx, runID, 0, func(e Event) error {
		if fn != nil {
			fn(e)
		}
		if _, to, _, ok := e.StatusChange(); ok && Terminal(to) {
			final = to
			return ErrStopStream
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if final == "" {
		return "", fmt.Errorf("kiroku: stream for run %d ended before the run finished", runID)
	}
	return final, nil
}

// readSSE parses an event stream. Comment lines (keepalives) are skipped;
// each blank-line-terminated frame with data is decoded as an Event. Lines
// have no length cap: event payloads can be arbitrarily large.
func readSSE(r io.Reader, fn func(Event) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var data strings.Builder
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		switch {
		case line == "":
			if data.Len() == 0 {
				break
			}
			var e Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("kiroku: decode stream event: %w", err)
			}
			data.Reset()
			if err := fn(e); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if readErr == io.EOF {
			return nil
		}
	}
}
