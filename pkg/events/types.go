package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Instance lifecycle events
	EventInstanceCreated    EventType = "instance.created"
	EventInstanceDeadbeat   EventType = "instance.deadbeat"
	EventInstanceTerminated EventType = "instance.terminated"
	EventInstanceReaped     EventType = "instance.reaped"

	// Ledger events
	EventAccountCharged    EventType = "account.charged"
	EventAccountOverdrawn  EventType = "account.overdrawn"
	EventAccountCredited   EventType = "account.credited"
	EventCreateRefunded    EventType = "account.create_refunded"

	// Recovery events
	EventRecoveryCompleted EventType = "recovery.completed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Owner is the billing account this event belongs to (optional for
	// system events)
	Owner string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, owner string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Owner:     owner,
		Payload:   payload,
	}
}
