// Package events provides the domain event bus and typed event payloads.
package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus, for subscribers.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit publishes a typed event to the bus and logs it.
func (m *Manager) Emit(module, aggregateID string, data EventData) {
	if data == nil {
		return
	}
	event := m.bus.Publish(module, aggregateID, data)

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(data.EventType())).
		Str("module", module).
		Str("aggregate_id", aggregateID).
		Uint64("seq", event.Seq).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	}
	m.Emit(module, module, data)
}
