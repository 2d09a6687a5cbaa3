package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghijk", 7))

	// Cuts on a rune boundary.
	got := truncate(strings.Repeat("é", 10), 8)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 8)
	assert.True(t, json.Valid([]byte(`"`+got+`"`)))

	assert.Equal(t, "...", truncate("abcdef", 2))
}

func TestCompactRun(t *testing.T) {
	owner := "w1"
	lease := time.Now().Add(time.Minute)
	run := model.Run{
		ID:         7,
		Goal:       strings.Repeat("g", maxCompactText+100),
		RunType:    model.RunTypeSimple,
		Status:     model.RunStatusCompleted,
		Owner:      &owner,
		LeaseUntil: &lease,
	}
	m := compactRun(run)
	assert.Equal(t, int64(7), m["id"])
	assert.Len(t, m["goal"], maxCompactText)
	assert.NotContains(t, m, "owner", "owner only shown while RUNNING")
	assert.NotContains(t, m, "lease_until")

	run.Status = model.RunStatusRunning
	assert.Equal(t, "w1", compactRun(run)["owner"])
}

func TestCompactEvent(t *testing.T) {
	e := model.Event{
		ID:      3,
		RunID:   1,
		Type:    model.EventAgentMessage,
		Payload: json.RawMessage(`{"kind":"thought","message":"` + strings.Repeat("m", maxCompactText+50) + `","id":99}`),
	}
	m := compactEvent(e)
	assert.Equal(t, int64(3), m["id"])
	assert.Equal(t, "thought", m["kind"])
	assert.Len(t, m["message"], maxCompactText)
	assert.Equal(t, float64(99), m["payload_id"], "payload keys never shadow event keys")

	raw := compactEvent(model.Event{ID: 4, Type: model.EventHeartbeat, Payload: json.RawMessage(`[1,2]`)})
	assert.Equal(t, json.RawMessage(`[1,2]`), raw["payload"])
}
