package tasks

import (
	"sync"
	"time"
)

// EventType labels a task progress notification.
type EventType string

const (
	EventQueued    EventType = "task.queued"
	EventStarted   EventType = "task.started"
	EventProgress  EventType = "task.progress"
	EventCompleted EventType = "task.completed"
	EventFailed    EventType = "task.failed"
	EventCancelled EventType = "task.cancelled"
)

// Event is pushed to subscribers of the owner's stream.
type Event struct {
	Type      EventType   `json:"type"`
	TaskID    string      `json:"task_id"`
	Status    Status      `json:"status"`
	Progress  int         `json:"progress"`
	Total     int         `json:"total"`
	Result    *ItemResult `json:"result,omitempty"`
	ItemError *ItemError  `json:"item_error,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// Hub fans task events out to per-owner subscribers. Publishing never
// blocks: a subscriber that stops draining its channel misses events rather
// than stalling the worker.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int]chan Event)}
}

// Subscribe registers a listener for the owner's events. The returned
// cancel func unregisters and closes the channel.
func (h *Hub) Subscribe(owner string) (<-chan Event, func()) {
	if owner == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[owner]; !ok {
		h.subscribers[owner] = make(map[int]chan Event)
	}
	h.subscribers[owner][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[owner]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, owner)
		}
	}
}

func (h *Hub) Publish(owner string, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[owner] {
		select {
		case ch <- evt:
		default:
		}
	}
}
