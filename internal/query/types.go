package query

import (
	"encoding/json"
	"time"
)

// AccountResponse is a projected token account.
type AccountResponse struct {
	Pubkey       string  `json:"pubkey"`
	OwnerProgram string  `json:"owner_program"`
	Mint         *string `json:"mint,omitempty"`
	Holder       *string `json:"holder,omitempty"`
	Amount       string  `json:"amount"` // decimal u64
	Initialized  bool    `json:"initialized"`
	DataLen      int     `json:"data_len"`
	LastSequence int64   `json:"last_sequence"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// AccountList is one page of accounts. NextCursor is empty on the last page.
type AccountList struct {
	Accounts     []AccountResponse `json:"accounts"`
	NextCursor   string            `json:"next_cursor,omitempty"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// EventResponse is one logged event.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	ErrorKind      *string         `json:"error_kind,omitempty"`
	Message        *string         `json:"message,omitempty"`
	Opcode         *string         `json:"opcode,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	OccurredAt     time.Time       `json:"occurred_at"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
// The supply fields are empty unless SupplyChecked is set.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SupplyChecked   bool    `json:"supply_checked"`
	MintedSupply    string  `json:"minted_supply,omitempty"`
	ProjectedSupply string  `json:"projected_supply,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
