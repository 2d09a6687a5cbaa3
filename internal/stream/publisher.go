// Package stream turns the append-only event log into live per-run feeds.
//
// A Publisher holds no copy of any event. Subscribers get a coalescing
// wake-up per run; on every wake-up the stream re-reads the log after its
// own cursor, so ordering and gap-freedom come from the log itself and a
// missed or duplicated wake-up costs at most one extra query.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Source reads the event log.
type Source interface {
	ListEvents(ctx context.Context, runID, afterID int64, limit int) ([]model.Event, error)
}

// Listener delivers event notices from LISTEN/NOTIFY. *storage.DB
// implements it.
type Listener interface {
	ListenEvents(ctx context.Context) error
	NextEventNotice(ctx context.Context) (storage.EventNotice, error)
}

// Frame is one unit written to a client: an event, or a keepalive when
// Event is nil.
type Frame struct {
	Event *model.Event
}

// Keepalive reports whether f carries no event.
func (f Frame) Keepalive() bool { return f.Event == nil }

// EmitFunc writes one frame to a client. An error ends the stream.
type EmitFunc func(Frame) error

// Publisher fans wake-ups out to per-run subscribers and drives streams.
type Publisher struct {
	source    Source
	logger    *slog.Logger
	keepalive time.Duration
	pageSize  int
	poll      time.Duration

	mu   sync.Mutex
	subs map[int64]map[chan struct{}]struct{}

	sent metric.Int64Counter
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithKeepalive sets the idle interval between keepalive frames. Default 15s.
func WithKeepalive(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.keepalive = d
		}
	}
}

// WithPageSize sets how many events one replay query reads. Default 500.
func WithPageSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithPollInterval makes every stream re-query on a timer as well as on
// wake-ups. Use it when no notification source is available.
func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) { p.poll = d }
}

// New creates a Publisher reading from source.
func New(source Source, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		source:    source,
		logger:    logger,
		keepalive: 15 * time.Second,
		pageSize:  storage.DefaultEventPage,
		subs:      make(map[int64]map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	meter := telemetry.Meter("kiroku/stream")
	p.sent, _ = meter.Int64Counter("kiroku.stream.events_sent",
		metric.WithDescription("Events written to stream clients"))
	_, _ = meter.Int64ObservableGauge("kiroku.stream.subscribers",
		metric.WithDescription("Open run streams"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Subscribers()))
			return nil
		}),
	)
	return p
}

// Start listens on storage.ChannelEvents and wakes subscribers for each
// notice. It blocks until ctx is done, so call it in a goroutine.
func (p *Publisher) Start(ctx context.Context, l Listener) {
	if err := l.ListenEvents(ctx); err != nil {
		p.logger.Error("stream: listen", "channel", storage.ChannelEvents, "error", err)
		return
	}
	p.logger.Info("stream: listening for notifications", "channel", storage.ChannelEvents)

	backoff := 100 * time.Millisecond
	for {
		n, err := l.NextEventNotice(ctx)
		switch {
		case err == nil:
			backoff = 100 * time.Millisecond
			p.Publish(n)
		case ctx.Err() != nil:
			return
		case errors.Is(err, storage.ErrBadNotice):
			p.logger.Warn("stream: bad notice", "error", err)
		default:
			p.logger.Warn("stream: notification error, retrying", "error", err, "backoff", backoff)
			// Notices may have been lost; every stream re-reads.
			p.wakeAll()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
		}
	}
}

// Publish wakes every subscriber of n.RunID. It never blocks.
func (p *Publisher) Publish(n storage.EventNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs[n.RunID] {
		wake(ch)
	}
}

func (p *Publisher) wakeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, set := range p.subs {
		for ch := range set {
			wake(ch)
		}
	}
}

// wake is a non-blocking send; a pending wake-up already covers this one.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscribe registers for wake-ups on runID. Call the returned func to
// unsubscribe.
func (p *Publisher) Subscribe(runID int64) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	set, ok := p.subs[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		p.subs[runID] = set
	}
	set[ch] = struct{}{}
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[runID], ch)
		if len(p.subs[runID]) == 0 {
			delete(p.subs, runID)
		}
	}
}

// Subscribers counts open subscriptions across all runs.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, set := range p.subs {
		n += len(set)
	}
	return n
}

// Stream emits every event of runID with id > afterID in ascending order.
// With snapshot it returns after the replay; otherwise it follows the log
// until ctx is done or emit fails. A finished ctx is not an error.
func (p *Publisher) Stream(ctx context.Context, runID, afterID int64, snapshot bool, emit EmitFunc) error {
	// Subscribe before the first read so an append between the replay and
	// the wait still produces a wake-up.
	wakeups, unsubscribe := p.Subscribe(runID)
	defer unsubscribe()

	cursor := afterID
	catchUp := func() error {
		for {
			events, err := p.source.ListEvents(ctx, runID, cursor, p.pageSize)
			if err != nil {
				return err
			}
			for i := range events {
				if err := emit(Frame{Event: &events[i]}); err != nil {
					return err
				}
				cursor = events[i].ID
			}
			if len(events) > 0 {
				p.sent.Add(ctx, int64(len(events)))
			}
			if len(events) < p.pageSize {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		return ignoreDone(ctx, err)
	}
	if snapshot {
		return nil
	}

	keepalive := time.NewTicker(p.keepalive)
	defer keepalive.Stop()
	var pollC <-chan time.Time
	if p.poll > 0 {
		poll := time.NewTicker(p.poll)
		defer poll.Stop()
		pollC = poll.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wakeups:
			if err := catchUp(); err != nil {
				return ignoreDone(ctx, err)
			}
			keepalive.Reset(p.keepalive)
		case <-pollC:
			if err := catchUp(); err != nil {
				return ignoreDone(ctx, err)
			}
		case <-keepalive.C:
			if err := emit(Frame{}); err != nil {
				return ignoreDone(ctx, err)
			}
		}
	}
}

func ignoreDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
