package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelEvents carries one wake-up per appended event. The payload is an
// EventNotice; subscribers must re-read the log for the actual event.
const ChannelEvents = "kiroku_events"

// ErrBadNotice marks a ChannelEvents payload that could not be decoded.
// The listener stays usable.
var ErrBadNotice = errors.New("storage: bad event notice")

// EventNotice is the NOTIFY payload for ChannelEvents.
type EventNotice struct {
	RunID   int64 `json:"run_id"`
	EventID int64 `json:"event_id"`
}

// ParseEventNotice decodes a ChannelEvents payload.
func ParseEventNotice(payload string) (EventNotice, error) {
	var n EventNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return EventNotice{}, fmt.Errorf("%w: %v", ErrBadNotice, err)
	}
	if n.RunID <= 0 {
		return EventNotice{}, fmt.Errorf("%w: missing run_id", ErrBadNotice)
	}
	return n, nil
}

// ListenEvents subscribes the notify connection to ChannelEvents. If the
// connection has dropped it is dialed again first.
func (db *DB) ListenEvents(ctx context.Context) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.listenLocked(ctx)
}

func (db *DB) listenLocked(ctx context.Context) error {
	if db.notifyDSN == "" {
		return errors.New("storage: notify connection not configured")
	}
	if db.notifyConn == nil || db.notifyConn.IsClosed() {
		conn, err := pgx.Connect(ctx, db.notifyDSN)
		if err != nil {
			return fmt.Errorf("storage: reconnect notify: %w", err)
		}
		db.notifyConn = conn
		db.logger.Info("storage: notify connection established")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelEvents}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelEvents, err)
	}
	return nil
}

// NextEventNotice blocks until the next ChannelEvents notification.
// Notifications on other channels are skipped. A malformed payload returns
// an error wrapping ErrBadNotice. Any other error means notices may have
// been missed; after a dropped connection the next call reconnects and
// listens again.
func (db *DB) NextEventNotice(ctx context.Context) (EventNotice, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn == nil || db.notifyConn.IsClosed() {
		if err := db.listenLocked(ctx); err != nil {
			return EventNotice{}, err
		}
	}
	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return EventNotice{}, fmt.Errorf("storage: wait for notification: %w", err)
		}
		if n.Channel != ChannelEvents {
			continue
		}
		return ParseEventNotice(n.Payload)
	}
}
