// Package events carries pipeline signals between components and observers.
// Publishing never blocks; slow subscribers drop events.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindStatus      Kind = "status"
	KindLog         Kind = "log"
	KindTestUpdate  Kind = "test-update"
	KindTestFixed   Kind = "test-fixed"
	KindLearning    Kind = "learning"
	KindLLMResponse Kind = "llm-response"
	KindError       Kind = "error"
	KindBreaker     Kind = "breaker"
	KindHealing     Kind = "healing"
)

// Event is one pipeline signal.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Component string         `json:"component"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered receiver. The cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(component string, kind Kind, payload map[string]any) {
	ev := Event{
		ID:        uuid.New(),
		Component: component,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer: the subscriber is behind, drop rather than stall
			// the pipeline.
		}
	}
}
