package services

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the payload pushed to the operator/notification layer when an
// identity's standing or a proxy's health changes. Delivery is
// fire-and-forget; the core never blocks on a slow consumer.
type Event struct {
	Type       string    `json:"type"`
	IdentityID string    `json:"identity_id,omitempty"`
	Proxy      string    `json:"proxy,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event types emitted by the core.
const (
	EventQuarantined    = "quarantined"
	EventQuarantineOver = "quarantine_lifted"
	EventBanned         = "banned"
	EventBanRecommended = "ban_recommended"
	EventRetired        = "retired"
	EventActivated      = "activated"
	EventProxyUnhealthy = "proxy_unhealthy"
	EventProxyRestored  = "proxy_restored"
)

// EventHub fans events out to subscribed websocket connections. Slow
// subscribers have events dropped rather than ever backing up the core.
type EventHub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]chan Event
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uuid.UUID]chan Event)}
}

// Subscribe registers a consumer and returns its id and channel.
func (h *EventHub) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *EventHub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers an event to all subscribers without blocking. Events to
// subscribers with full buffers are dropped.
func (h *EventHub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			log.Printf("events: dropped %s event for slow subscriber %s", event.Type, id)
		}
	}
}
