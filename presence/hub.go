// Package presence is a best-effort publish/subscribe fan-out keyed by note
// id, used to show who else is looking at or typing in a note. Nothing is
// persisted and nothing is ordered beyond a single subscription. It has no
// connection to the sync engine.
package presence

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is one presence event.
type Message struct {
	Type      string          `json:"type"`
	NoteID    int64           `json:"note_id"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	TypeJoin  = "join"
	TypeLeave = "leave"
)

// Subscription receives messages for one note on C until Unsubscribe.
type Subscription struct {
	NoteID int64
	C      <-chan Message

	ch chan Message
}

// Hub routes messages to the current subscribers of a note.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[int64]map[*Subscription]struct{}
}

// NewHub returns a hub whose subscriptions buffer up to buffer messages.
// A subscriber that falls further behind misses messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[int64]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in noteID.
func (h *Hub) Subscribe(noteID int64) *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{NoteID: noteID, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[noteID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[noteID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.NoteID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, sub.NoteID)
	}
}

// Publish delivers msg to every subscriber of noteID and returns how many
// received it.
func (h *Hub) Publish(noteID int64, msg Message) int {
	return h.publish(noteID, msg, nil)
}

func (h *Hub) publish(noteID int64, msg Message, skip *Subscription) int {
	msg.NoteID = noteID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for sub := range h.subs[noteID] {
		if sub == skip {
			continue
		}
		select {
		case sub.ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Count returns the number of subscribers of noteID.
func (h *Hub) Count(noteID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[noteID])
}
