// Package events provides the in-process event bus and typed event payloads.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Order lifecycle events
	OrderPlaced                EventType = "ORDER_PLACED"
	OrderFilled                EventType = "ORDER_FILLED"
	OrderPartiallyFilled       EventType = "ORDER_PARTIALLY_FILLED"
	OrderCancelled             EventType = "ORDER_CANCELLED"
	OrderCancellationConfirmed EventType = "ORDER_CANCELLATION_CONFIRMED"
	OrderRejected              EventType = "ORDER_REJECTED"

	// Portfolio events
	FundsReserved  EventType = "FUNDS_RESERVED"
	FundsReleased  EventType = "FUNDS_RELEASED"
	FillSettled    EventType = "FILL_SETTLED"
	PositionClosed EventType = "POSITION_CLOSED"

	// Session events
	SessionStateChanged   EventType = "SESSION_STATE_CHANGED"
	EmergencyStopTriggered EventType = "EMERGENCY_STOP_TRIGGERED"

	// Risk events
	SignalRejected EventType = "SIGNAL_REJECTED"

	// Recovery events
	ReconciliationAnomaly EventType = "RECONCILIATION_ANOMALY"

	// Infrastructure events
	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// EventData is the interface all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// Event represents a system event with typed data. Seq is a monotonically
// increasing sequence number per aggregate so subscribers can detect
// reordering under at-least-once delivery.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Module      string    `json:"module"`
	AggregateID string    `json:"aggregate_id"`
	Seq         uint64    `json:"seq"`
	Data        EventData `json:"data"`
}
