// Package events is a live, per-user notification hub. Delivery is
// best-effort to whoever is subscribed at publish time; nothing is queued or
// retried.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the ingestion runner.
const (
	TypeListingCreated = "listing.created"
	TypeListingUpdated = "listing.updated"
)

// Event is one notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ListingID string    `json:"listing_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(typ, listingID string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ListingID: listingID,
		Data:      data,
		At:        time.Now().UTC(),
	}
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

// Hub fans events out to per-user subscribers. The zero value is not usable;
// call NewHub.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[uint64]Handler), logger: logger}
}

// Subscribe registers h for userID. The returned function removes it and may
// be called any number of times.
func (h *Hub) Subscribe(userID string, handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]Handler)
	}
	h.subs[userID][id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], id)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
		})
	}
}

// Publish delivers ev to the current subscribers of userID and returns how
// many handlers completed. A panicking handler is logged and skipped.
func (h *Hub) Publish(userID string, ev Event) int {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs[userID]))
	for _, fn := range h.subs[userID] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, fn := range handlers {
		if h.deliver(userID, ev, fn) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliver(userID string, ev Event, fn Handler) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", "user", userID, "event", ev.Type, "panic", r)
			ok = false
		}
	}()
	fn(ev)
	return true
}

// Subscribers is the number of handlers registered for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
