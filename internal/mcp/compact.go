package mcp

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/kiroku/internal/model"
)

// maxCompactText bounds free text (goals, messages, step output) in tool
// responses. Agents can read the full event from the HTTP API.
const maxCompactText = 500

// compactRun returns the fields of a run an agent acts on. Coordination
// columns (owner, lease) are dropped unless the run is RUNNING.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":                r.ID,
		"goal":              truncate(r.Goal, maxCompactText),
		"run_type":          r.RunType,
		"status":            r.Status,
		"current_iteration": r.CurrentIteration,
		"created_at":        r.CreatedAt,
	}
	if r.Name != nil {
		m["name"] = *r.Name
	}
	if r.ProjectID != nil {
		m["project_id"] = *r.ProjectID
	}
	if r.Error != nil {
		m["error"] = truncate(*r.Error, maxCompactText)
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
	}
	if r.Status == model.RunStatusRunning && r.Owner != nil {
		m["owner"] = *r.Owner
	}
	return m
}

func compactRuns(list []model.Run) []map[string]any {
	out := make([]map[string]any, len(list))
	for i, r := range list {
		out[i] = compactRun(r)
	}
	return out
}

// compactEvent flattens an event's payload into the event map and truncates
// long text fields. Payloads that fail to decode are passed through raw.
func compactEvent(e model.Event) map[string]any {
	m := map[string]any{
		"id":         e.ID,
		"event_type": e.Type,
		"created_at": e.CreatedAt,
	}
	var fields map[string]any
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		m["payload"] = e.Payload
		return m
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			v = truncate(s, maxCompactText)
		}
		if _, taken := m[k]; taken {
			k = "payload_" + k
		}
		m[k] = v
	}
	return m
}

func compactEvents(list []model.Event) []map[string]any {
	out := make([]map[string]any, len(list))
	for i, e := range list {
		out[i] = compactEvent(e)
	}
	return out
}

// truncate shortens s to at most maxLen bytes, cutting on a rune boundary
// and appending "...".
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := max(maxLen-3, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " \n\t") + "..."
}
