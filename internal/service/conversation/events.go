package conversation

import (
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// EventType names an orchestrator notification.
type EventType string

const (
	EventStateChanged        EventType = "state-changed"
	EventPrepareProgress     EventType = "prepare-progress"
	EventMessageAdded        EventType = "message-added"
	EventResponseUpdate      EventType = "response-update"
	EventResponseComplete    EventType = "response-complete"
	EventGenerationCancelled EventType = "generation-cancelled"
	EventError               EventType = "error"
	EventSessionChanged      EventType = "session-changed"
)

// Event is delivered to every subscriber in the order it was raised.
type Event struct {
	Type         EventType  `json:"type"`
	SessionID    string     `json:"sessionId,omitempty"`
	GenerationID string     `json:"generationId,omitempty"`
	State        State      `json:"state,omitempty"`
	Model        string     `json:"model,omitempty"`
	Progress     float64    `json:"progress,omitempty"`
	Text         string     `json:"text,omitempty"`
	Content      string     `json:"content,omitempty"`
	Turn         *chat.Turn `json:"message,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Error        string     `json:"error,omitempty"`
	Time         time.Time  `json:"time"`
}

// Terminal reports whether e ends a generation.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventResponseComplete, EventGenerationCancelled:
		return true
	case EventError:
		return e.GenerationID != ""
	}
	return false
}

// Bus fans events out to subscribers synchronously. Subscribers must not
// call back into the orchestrator from the callback; hand the event to a
// channel instead.
type Bus struct {
	deliver sync.Mutex

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Event)
}

func newBus() *Bus {
	return &Bus{subs: make(map[uint64]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// publish must be called with deliver held.
func (b *Bus) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for id := uint64(0); id < b.next; id++ {
		if fn, ok := b.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
