package broadcast

import (
	"sync"

	"quiz-session-engine/internal/domain"
)

const defaultBuffer = 16

// Hub fans events out to the connections subscribed to a session.
// It keeps no state beyond routing.
type Hub struct {
	buffer int

	mu       sync.RWMutex
	sessions map[string]map[*subscription]struct{}
}

type subscription struct {
	playerID string
	ch       chan domain.Event
}

func NewHub() *Hub {
	return NewHubWithBuffer(defaultBuffer)
}

// NewHubWithBuffer sets the per-subscriber queue length.
func NewHubWithBuffer(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer:   buffer,
		sessions: make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers a connection of playerID in gameCode.
// The caller must invoke the returned cancel function to avoid leaks.
func (h *Hub) Subscribe(gameCode, playerID string) (<-chan domain.Event, func()) {
	sub := &subscription{playerID: playerID, ch: make(chan domain.Event, h.buffer)}

	h.mu.Lock()
	subs, ok := h.sessions[gameCode]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.sessions[gameCode] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs, ok := h.sessions[gameCode]
			if !ok {
				return
			}
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.ch)
			}
			if len(subs) == 0 {
				delete(h.sessions, gameCode)
			}
		})
	}
	return sub.ch, cancel
}

// Deliver routes each delivery to its audience within gameCode.
func (h *Hub) Deliver(gameCode string, deliveries ...domain.Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.sessions[gameCode]
	for _, d := range deliveries {
		for sub := range subs {
			if d.To != "" && sub.playerID != d.To {
				continue
			}
			if d.Except != "" && sub.playerID == d.Except {
				continue
			}
			offer(sub.ch, d.Event)
		}
	}
}

// Close drops every subscriber of gameCode and closes their channels.
func (h *Hub) Close(gameCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.sessions[gameCode] {
		close(sub.ch)
	}
	delete(h.sessions, gameCode)
}

// Subscribers returns the number of live subscriptions in gameCode.
func (h *Hub) Subscribers(gameCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[gameCode])
}

// offer never blocks: when the queue is full the oldest event is dropped.
func offer(ch chan domain.Event, ev domain.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
