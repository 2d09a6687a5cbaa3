package mcp

import (
	"sync"
	"time"
)

// cursorTTL is how long an idle session cursor is remembered.
const cursorTTL = 30 * time.Minute

// cursorTracker remembers the last event id each MCP session read per run,
// so kiroku_list_events can continue where the session left off without the
// agent carrying the cursor itself.
//
// The tracker is in-memory and per-process. A lost cursor only means the
// agent re-reads from the start or passes after_id explicitly.
type cursorTracker struct {
	mu      sync.Mutex
	cursors map[cursorKey]cursorEntry
	ttl     time.Duration
}

type cursorKey struct {
	sessionID string
	runID     int64
}

type cursorEntry struct {
	afterID int64
	seen    time.Time
}

func newCursorTracker(ttl time.Duration) *cursorTracker {
	return &cursorTracker{
		cursors: make(map[cursorKey]cursorEntry),
		ttl:     ttl,
	}
}

// Advance records that the session has read up to afterID. Cursors never
// move backwards.
func (t *cursorTracker) Advance(sessionID string, runID, afterID int64) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := cursorKey{sessionID, runID}
	if cur, ok := t.cursors[key]; ok && cur.afterID > afterID {
		afterID = cur.afterID
	}
	t.cursors[key] = cursorEntry{afterID: afterID, seen: time.Now()}

	if len(t.cursors) > 1000 {
		t.purgeStale()
	}
}

// Get returns the session's cursor for runID, or 0 when none is live.
func (t *cursorTracker) Get(sessionID string, runID int64) int64 {
	if sessionID == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := cursorKey{sessionID, runID}
	cur, ok := t.cursors[key]
	if !ok {
		return 0
	}
	if time.Since(cur.seen) > t.ttl {
		delete(t.cursors, key)
		return 0
	}
	return cur.afterID
}

// purgeStale removes idle cursors. Must be called with mu held.
func (t *cursorTracker) purgeStale() {
	now := time.Now()
	for k, cur := range t.cursors {
		if now.Sub(cur.seen) > t.ttl {
			delete(t.cursors, k)
		}
	}
}
