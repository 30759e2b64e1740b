package persistence

import (
	"TokenLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventLogWriter writes events to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in ledger.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Status         string
	ErrorKind      *string
	Message        *string
	Opcode         *string
	Payload        []byte // JSON-encoded event payload
	MintedMint     *string
	MintedAmount   *string // NUMERIC(20,0) as decimal text
	StateHash      []byte
	PrevHash       []byte
	OccurredAt     time.Time
}

const eventColumns = 13

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow converts a core output into its ledger.events row.
func NewEventRow(out core.CoreOutput) EventRow {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Status:         string(out.Result.Status),
		ErrorKind:      optional(out.Result.ErrorKind),
		Message:        optional(out.Result.Message),
		Opcode:         optional(out.Opcode),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		OccurredAt:     env.Timestamp,
	}

	if out.Minted != nil {
		mint := out.Minted.Mint.String()
		amount := strconv.FormatUint(out.Minted.Amount, 10)
		row.MintedMint = &mint
		row.MintedAmount = &amount
	}
	return row
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// WriteEventBatch writes a batch of events to ledger.events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.events
		(sequence, event_type, idempotency_key, status, error_kind, message, opcode,
		 payload, minted_mint, minted_amount, state_hash, prev_hash, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		placeholders := make([]string, eventColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", i*eventColumns+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		// jsonb must be sent as text; lib/pq encodes []byte as bytea
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Status, e.ErrorKind, e.Message, e.Opcode,
			string(e.Payload), e.MintedMint, e.MintedAmount, e.StateHash, e.PrevHash, e.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
