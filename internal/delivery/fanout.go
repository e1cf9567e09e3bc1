// ABOUTME: Delivery fan-out: publishes conversation events to visitor and agent targets
// ABOUTME: Per-conversation FIFO, bounded delivery attempts, drops reported rather than retried forever

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/serial"
)

// Endpoint delivers one event to one target.
type Endpoint interface {
	Deliver(ctx context.Context, ev *Event) error
}

// DropHandler is told about every event given up on after the final attempt.
type DropHandler func(ev *Event, attempts int, err error)

// Options tunes delivery attempts.
type Options struct {
	MaxAttempts    int           // attempts per target before dropping, default 3
	RetryBackoff   time.Duration // wait between attempts, doubled each time, default 50ms
	AttemptTimeout time.Duration // per-attempt deadline, default 5s
	OnDrop         DropHandler
}

// Fanout orders and delivers conversation events. It never mutates
// conversation or agent state; it only reads the payload it is given.
type Fanout struct {
	endpoint Endpoint
	queue    *serial.Queue
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewFanout creates a Fanout delivering through endpoint. Pass nil logger for default.
func NewFanout(endpoint Endpoint, opts Options, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	return &Fanout{
		endpoint: endpoint,
		queue:    serial.New(),
		opts:     opts,
		logger:   logger.With("component", "fanout"),
		now:      time.Now,
	}
}

// Publish queues one event per target. Events published for the same
// conversation reach each target in Publish call order; events of different
// conversations are not ordered relative to each other.
func (f *Fanout) Publish(conversationID string, kind Kind, payload *message.Outbound, targets ...Target) error {
	now := f.now()
	events := make([]*Event, 0, len(targets))
	for _, target := range targets {
		events = append(events, &Event{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Kind:           kind,
			Target:         target,
			Payload:        payload,
			CreatedAt:      now,
		})
	}

	ok := f.queue.Submit(conversationID, func() {
		for _, ev := range events {
			f.deliver(ev)
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// deliver attempts the event up to MaxAttempts times, then drops it.
func (f *Fanout) deliver(ev *Event) {
	backoff := f.opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.AttemptTimeout)
		err = f.endpoint.Deliver(ctx, ev)
		cancel()
		if err == nil {
			f.logger.Debug("event delivered",
				"event_id", ev.ID,
				"conversation_id", ev.ConversationID,
				"kind", ev.Kind,
				"target", ev.Target.Address(),
				"attempt", attempt)
			return
		}
		if attempt < f.opts.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	f.logger.Warn("dropping undeliverable event",
		"event_id", ev.ID,
		"conversation_id", ev.ConversationID,
		"kind", ev.Kind,
		"target", ev.Target.Address(),
		"attempts", f.opts.MaxAttempts,
		"error", err)
	if f.opts.OnDrop != nil {
		f.opts.OnDrop(ev, f.opts.MaxAttempts, err)
	}
}

// Flush waits until every queued event has been delivered or dropped.
func (f *Fanout) Flush(ctx context.Context) error {
	return f.queue.Flush(ctx)
}

// Close stops accepting events and drains the queue, bounded by ctx.
func (f *Fanout) Close(ctx context.Context) error {
	return f.queue.Close(ctx)
}

// Multi delivers to every endpoint. It succeeds if at least one endpoint
// accepted the event.
type Multi []Endpoint

// Ensure interface compliance at compile time
var _ Endpoint = Multi(nil)

func (m Multi) Deliver(ctx context.Context, ev *Event) error {
	if len(m) == 0 {
		return ErrUnreachable
	}
	var errs []error
	for _, ep := range m {
		if err := ep.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) < len(m) {
		return nil
	}
	return errors.Join(errs...)
}
