package event

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload encodes an event for the event log. Keys encode as base58,
// data buffers as base64.
func MarshalPayload(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.EventType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes a stored payload back into a typed event.
func UnmarshalPayload(eventType EventType, data []byte) (Event, error) {
	var evt Event
	switch eventType {
	case EventTypeAccountCreated:
		evt = &AccountCreated{}
	case EventTypeInstructionSubmitted:
		evt = &InstructionSubmitted{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", eventType, err)
	}
	return evt, nil
}
