package event

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// AccountMeta references one account in instruction order. IsSigner is set
// by ingress only after the signer's signature has been verified.
type AccountMeta struct {
	Key      solana.PublicKey `json:"key"`
	IsSigner bool             `json:"is_signer"`
}

// InstructionSubmitted carries raw instruction bytes for the token program.
type InstructionSubmitted struct {
	ID        uuid.UUID     `json:"id"`
	Data      []byte        `json:"data"`
	Accounts  []AccountMeta `json:"accounts"`
	Timestamp time.Time     `json:"timestamp"`
}

func (i *InstructionSubmitted) IdempotencyKey() string {
	return i.ID.String()
}

func (i *InstructionSubmitted) EventType() EventType {
	return EventTypeInstructionSubmitted
}

func (i *InstructionSubmitted) OccurredAt() time.Time {
	return i.Timestamp
}

// Keys returns the referenced account keys in order.
func (i *InstructionSubmitted) Keys() []solana.PublicKey {
	keys := make([]solana.PublicKey, len(i.Accounts))
	for idx, m := range i.Accounts {
		keys[idx] = m.Key
	}
	return keys
}
