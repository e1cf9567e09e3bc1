// ABOUTME: In-process subscriber registry that delivers events to live endpoint sessions
// ABOUTME: Sessions subscribe by target address; a full or missing subscriber makes the target unreachable

package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Hub is an Endpoint backed by in-memory subscriptions, one per connected
// visitor or agent session.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // address -> subID -> ch
	logger      *slog.Logger
}

// Ensure interface compliance at compile time
var _ Endpoint = (*Hub)(nil)

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "delivery_hub"),
	}
}

// Subscribe registers a session for events addressed to target. The
// subscription is cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, target Target) (<-chan *Event, string) {
	address := target.Address()
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[address]; !ok {
		h.subscribers[address] = make(map[string]chan *Event)
	}
	h.subscribers[address][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"address", address,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(target, subID)
	}()

	return ch, subID
}

// Deliver hands the event to every session subscribed to its target.
// Returns ErrUnreachable when no session accepted it.
func (h *Hub) Deliver(_ context.Context, ev *Event) error {
	address := ev.Target.Address()

	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscribers[address]
	delivered := 0
	for subID, ch := range subs {
		select {
		case ch <- ev:
			delivered++
		default:
			h.logger.Debug("subscriber full",
				"address", address,
				"sub_id", subID,
				"event_id", ev.ID)
		}
	}
	if delivered == 0 {
		return ErrUnreachable
	}
	return nil
}

// Connected reports whether any session is subscribed for target.
func (h *Hub) Connected(target Target) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[target.Address()]) > 0
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(target Target, subID string) {
	address := target.Address()

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[address]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, address)
	}

	h.logger.Debug("subscriber removed",
		"address", address,
		"sub_id", subID)
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for address, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, address)
	}
}
