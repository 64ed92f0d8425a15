package dashboard

import (
	"sync"
	"time"

	"github.com/cryguy/flaredeck/internal/core"
)

// ringSize bounds the hub's replayable history.
const ringSize = 1000

// Event is one frame on the dashboard log stream. Type is "log" for
// worker console output, "error" for runtime and build failures, and
// "reload" when the watcher swapped in a new bundle.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
}

// Hub fans log events out to WebSocket subscribers and keeps a ring
// buffer so the dashboard can show recent history on connect.
type Hub struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	filled bool
	subs   map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		ring: make([]Event, ringSize),
		subs: make(map[chan Event]struct{}),
	}
}

// Publish records the event and delivers it to all subscribers. Slow
// subscribers drop frames rather than block the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	h.ring[h.next] = ev
	h.next = (h.next + 1) % ringSize
	if h.next == 0 {
		h.filled = true
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// PublishWorkerLogs forwards console output captured during one worker
// execution.
func (h *Hub) PublishWorkerLogs(source string, logs []core.LogEntry) {
	for _, entry := range logs {
		h.Publish(Event{
			Type:    "log",
			Time:    entry.Time,
			Level:   entry.Level,
			Message: entry.Message,
			Source:  source,
		})
	}
}

// Snapshot returns the buffered events oldest first.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.filled {
		out := make([]Event, h.next)
		copy(out, h.ring[:h.next])
		return out
	}
	out := make([]Event, 0, ringSize)
	out = append(out, h.ring[h.next:]...)
	out = append(out, h.ring[:h.next]...)
	return out
}

// Subscribe registers a live event channel. The caller must call the
// returned cancel function when done.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}
