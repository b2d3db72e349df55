package bridge

import (
	"sync"
	"time"
)

// Event types recorded for observability. Not required for correctness.
const (
	EventCommand    = "COMMAND"
	EventDispatch   = "DISPATCH"
	EventReply      = "REPLY"
	EventSendFailed = "SEND_FAILED"
	EventRestart    = "RESTART"
	EventCrash      = "CRASH"
)

// Event is one observability entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Chat      string    `json:"chat"`
	Type      string    `json:"event"`
}

// eventRetention is how many events are kept before the oldest are dropped.
const eventRetention = 50

// EventLog is a bounded, append-only ring of recent events.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Record appends an event, dropping the oldest past the retention bound.
func (l *EventLog) Record(chat, eventType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Event{
		Timestamp: time.Now(),
		Chat:      chat,
		Type:      eventType,
	})
	if len(l.entries) > eventRetention {
		l.entries = l.entries[len(l.entries)-eventRetention:]
	}
}

// Snapshot returns a copy of the current entries, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}
