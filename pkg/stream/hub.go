// Package stream fans out cache-invalidation events so connected
// storefront clients refresh their restricted-data snapshot without
// waiting out the data TTL.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the gateway.
const (
	TypeCacheInvalidated = "cache.invalidated"
	TypeIdentityChanged  = "identity.changed"
)

type Event struct {
	Type string `json:"type"`
	At   string `json:"at"`
	// ViewerKey scopes the event; empty means every viewer.
	ViewerKey string          `json:"viewer_key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, viewerKey string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:      eventType,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		ViewerKey: viewerKey,
		Data:      raw,
	}
}

type subscriber struct {
	ch        chan Event
	viewerKey string
}

// Hub delivers events to subscribers. A subscriber registered with a
// viewer key receives that viewer's events plus broadcasts; slow
// subscribers drop events rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscriber{}}
}

// Subscribe registers a listener for one viewer key, or for everything
// when the key is empty.
func (h *Hub) Subscribe(viewerKey string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{ch: ch, viewerKey: viewerKey}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers the event to every matching subscriber.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if evt.ViewerKey != "" && sub.viewerKey != "" && sub.viewerKey != evt.ViewerKey {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers reports the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
