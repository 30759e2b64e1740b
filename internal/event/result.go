package event

import "errors"

// Status of a processed event
type Status string

const (
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected"
	StatusDuplicate Status = "duplicate"
)

// Result is reported back to submitters and stored alongside the envelope.
// Sequence is zero for duplicates, which are never re-sequenced.
type Result struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         Status `json:"status"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Message        string `json:"message,omitempty"`
	StateHash      string `json:"state_hash,omitempty"`
}

// Err returns a non-nil error for rejected results.
func (r Result) Err() error {
	if r.Status != StatusRejected {
		return nil
	}
	if r.Message == "" {
		return errors.New(r.ErrorKind)
	}
	return errors.New(r.ErrorKind + ": " + r.Message)
}
