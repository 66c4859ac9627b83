package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/silkroad/internal/economy"
)

// DefaultEventLogSize is the retention of a session's event log.
const DefaultEventLogSize = 50

// Event is one human-readable log line for the player.
type Event struct {
	ID        string        `json:"id"`
	Type      economy.Level `json:"type"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventHandler receives events as they are appended.
type EventHandler func(Event)

// EventLog is a bounded, thread-safe ring buffer of events. Once full, the
// oldest entry is overwritten.
type EventLog struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
	now      func() time.Time
}

type handlerEntry struct {
	id      int64
	handler EventHandler
}

// NewEventLog creates an event log holding at most size entries.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		events: make([]Event, size),
		size:   size,
		now:    time.Now,
	}
}

// Append records a message and notifies subscribers.
func (l *EventLog) Append(level economy.Level, message string) Event {
	l.mu.Lock()
	e := Event{
		ID:        uuid.NewString(),
		Type:      level,
		Message:   message,
		Timestamp: l.now().UTC(),
	}
	l.events[l.head] = e
	l.head = (l.head + 1) % l.size
	if l.count < l.size {
		l.count++
	}

	handlers := make([]handlerEntry, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	for _, h := range handlers {
		h.handler(e)
	}
	return e
}

// Recent returns up to n events, newest first. n <= 0 returns everything.
func (l *EventLog) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentLocked(n)
}

func (l *EventLog) recentLocked(n int) []Event {
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (l.head - 1 - i + l.size) % l.size
		out[i] = l.events[idx]
	}
	return out
}

// Count returns the number of retained events.
func (l *EventLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Subscribe registers a handler and returns its unsubscribe function.
// Handlers run synchronously on the appending goroutine and must not block.
func (l *EventLog) Subscribe(handler EventHandler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(handler)
}

// SubscribeWithSnapshot returns the retained events, newest first, and
// registers handler for every later append in one step, so each event is
// either in the snapshot or delivered to handler, never both.
func (l *EventLog) SubscribeWithSnapshot(handler EventHandler) ([]Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recentLocked(0), l.subscribeLocked(handler)
}

func (l *EventLog) subscribeLocked(handler EventHandler) func() {
	id := l.nextID
	l.nextID++
	l.handlers = append(l.handlers, handlerEntry{id: id, handler: handler})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, h := range l.handlers {
			if h.id == id {
				l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribers returns the number of registered handlers.
func (l *EventLog) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}
