package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountCreated
	EventTypeInstructionSubmitted
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	EventType EventType

	// Input timestamp carried by the event (NOT wall-clock at apply time)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// OccurredAt returns the submitter-supplied timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountCreated:
		return "AccountCreated"
	case EventTypeInstructionSubmitted:
		return "InstructionSubmitted"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	switch s {
	case "AccountCreated":
		return EventTypeAccountCreated
	case "InstructionSubmitted":
		return EventTypeInstructionSubmitted
	default:
		return EventTypeUnknown
	}
}
