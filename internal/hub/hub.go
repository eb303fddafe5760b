// Package hub fans operational events out to SSE subscribers. Events are
// keyed by topic (index refreshes, health transitions, breaker state) and
// buffered per topic so late-joining dashboards receive recent history
// before live streaming.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const bufferCap = 256

// Topics published by the service.
const (
	TopicIndex   = "index"
	TopicHealth  = "health"
	TopicBreaker = "breaker"
)

// Event is one operational occurrence. ID doubles as the SSE event id so
// reconnecting clients can spot replayed history.
type Event struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Source  string         `json:"source,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// topicState holds the ring buffer and subscribers for one topic.
type topicState struct {
	buf     []Event // circular buffer
	pos     int     // next write position
	clients map[chan Event]struct{}
}

// lines returns the buffered events in order from oldest to newest.
func (s *topicState) events() []Event {
	n := len(s.buf)
	if n == 0 || s.pos == 0 {
		return s.buf
	}
	out := make([]Event, n)
	copy(out, s.buf[s.pos:])
	copy(out[n-s.pos:], s.buf[:s.pos])
	return out
}

func (s *topicState) append(ev Event) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, ev)
	} else {
		s.buf[s.pos] = ev
	}
	s.pos = (s.pos + 1) % cap(s.buf)
}

// Hub is the topic-keyed event fan-out. The empty topic subscribes to
// everything.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{topics: make(map[string]*topicState)}
}

// getOrCreate returns the state for a topic, creating it if needed.
// Caller must hold h.mu.
func (h *Hub) getOrCreate(topic string) *topicState {
	s, ok := h.topics[topic]
	if !ok {
		s = &topicState{
			buf:     make([]Event, 0, bufferCap),
			clients: make(map[chan Event]struct{}),
		}
		h.topics[topic] = s
	}
	return s
}

// Publish delivers an event to its topic's subscribers and to wildcard
// subscribers, buffering it in both places. A zero At is stamped with the
// current time.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	states := []*topicState{h.getOrCreate("")}
	if ev.Topic != "" {
		states = append(states, h.getOrCreate(ev.Topic))
	}
	for _, s := range states {
		s.append(ev)
		// Non-blocking send so a slow consumer cannot stall publishing.
		for ch := range s.clients {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives future events for the topic
// and an unsubscribe function. Buffered history is replayed immediately.
// The empty topic receives every event.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(topic)

	// Buffer enough for catchup + some live headroom.
	ch := make(chan Event, bufferCap+64)
	for _, ev := range s.events() {
		ch <- ev
	}
	s.clients[ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(s.clients, ch)
	}
	return ch, unsubscribe
}
