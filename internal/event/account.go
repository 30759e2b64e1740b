package event

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// AccountCreated allocates a zeroed data buffer under Key. A zero Owner means
// the configured program id; zero Space means one token record.
type AccountCreated struct {
	RequestID uuid.UUID        `json:"request_id"`
	Key       solana.PublicKey `json:"key"`
	Owner     solana.PublicKey `json:"owner"`
	Space     int              `json:"space"`
	Timestamp time.Time        `json:"timestamp"`
}

func (a *AccountCreated) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *AccountCreated) EventType() EventType {
	return EventTypeAccountCreated
}

func (a *AccountCreated) OccurredAt() time.Time {
	return a.Timestamp
}
