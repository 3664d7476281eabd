package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events. Delivery is at-least-once; handlers must
// be idempotent.
type Handler func(Event)

// Bus is an explicitly constructed in-process pub/sub bus. Its lifetime is
// tied to the orchestrator that owns it: created at session start, drained
// and closed at session stop. Handlers run synchronously on the publisher's
// goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	seq      map[string]uint64 // Per-aggregate sequence numbers
	closed   bool
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		seq:      make(map[string]uint64),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to all handlers subscribed to its type and
// stamps it with the next per-aggregate sequence number.
func (b *Bus) Publish(module, aggregateID string, data EventData) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn().Str("event_type", string(data.EventType())).Msg("Publish on closed bus dropped")
		return Event{}
	}
	b.seq[aggregateID]++
	event := Event{
		Type:        data.EventType(),
		Timestamp:   time.Now().UTC(),
		Module:      module,
		AggregateID: aggregateID,
		Seq:         b.seq[aggregateID],
		Data:        data,
	}
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return event
}

// Close stops the bus. Publishes after Close are dropped with a warning.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
