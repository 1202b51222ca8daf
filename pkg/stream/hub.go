// Package stream fans gateway events out to live operator subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the gateway.
const (
	TypeReady     = "ready"
	TypeDelivery  = "delivery"
	TypeChallenge = "challenge"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// ChallengeIssued is the payload of a challenge event. Raw user ids are never
// published.
type ChallengeIssued struct {
	Action     string `json:"action"`
	ReasonCode string `json:"reason_code"`
	Caller     string `json:"caller"`
}

// Hub never blocks a publisher: subscribers whose buffer is full miss events.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
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

// Publish is safe on a nil hub.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	var missed int64
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			missed++
		}
	}
	h.mu.RUnlock()
	if missed > 0 {
		h.mu.Lock()
		h.dropped += missed
		h.mu.Unlock()
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports events lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
