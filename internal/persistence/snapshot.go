package persistence

import (
	"TokenLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// SnapshotFormatVersion identifies the JSON layout of SnapshotData.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds every account buffer, the per-mint supply, the recent
// idempotency keys, and the chain tip at its sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Accounts        []AccountSnapshot `json:"accounts"`
	Minted          map[string]string `json:"minted"` // mint -> decimal supply
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AccountSnapshot is a serializable account. Data encodes as base64.
type AccountSnapshot struct {
	Key          solana.PublicKey `json:"pubkey"`
	Owner        solana.PublicKey `json:"owner"`
	Data         []byte           `json:"data"`
	LastSequence int64            `json:"last_sequence"`
}

// LoggedEvent is the subset of a ledger.events row needed for replay.
type LoggedEvent struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Status         string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	OccurredAt     time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData converts the engine's state into its stored form.
func NewSnapshotData(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       append([]byte(nil), state.StateHash[:]...),
		Accounts:        make([]AccountSnapshot, 0, len(state.Accounts)),
		Minted:          make(map[string]string, len(state.Minted)),
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for _, acc := range state.Accounts {
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Key:          acc.Key,
			Owner:        acc.Owner,
			Data:         acc.Data,
			LastSequence: acc.LastSequence,
		})
	}
	for mint, amount := range state.Minted {
		snap.Minted[mint.String()] = amount.String()
	}

	return snap
}

// State converts a stored snapshot back into engine state.
func (s *SnapshotData) State() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", s.Sequence, len(s.StateHash))
	}

	state := &core.SnapshotState{
		Sequence:        s.Sequence,
		Accounts:        make([]*core.Account, 0, len(s.Accounts)),
		Minted:          make(map[solana.PublicKey]*big.Int, len(s.Minted)),
		IdempotencyKeys: s.IdempotencyKeys,
	}
	copy(state.StateHash[:], s.StateHash)

	for _, acc := range s.Accounts {
		state.Accounts = append(state.Accounts, &core.Account{
			Key:          acc.Key,
			Owner:        acc.Owner,
			Data:         acc.Data,
			LastSequence: acc.LastSequence,
		})
	}

	for mintStr, amountStr := range s.Minted {
		mint, err := solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: mint %q: %w", s.Sequence, mintStr, err)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("snapshot %d: invalid supply %q for mint %s", s.Sequence, amountStr, mintStr)
		}
		state.Minted[mint] = amount
	}

	return state, nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots start unverified;
// recovery marks one verified once replay from it succeeds. Returns the
// encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent snapshot, verified or not.
// Returns nil when none exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	var formatVersion int
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM ledger.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &formatVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No snapshot: cold start
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if formatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", formatVersion)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// PruneSnapshots deletes all but the newest keep snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM ledger.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM ledger.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in
// sequence order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]LoggedEvent, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, status, payload,
		       state_hash, prev_hash, occurred_at
		FROM ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LoggedEvent
	for rows.Next() {
		var e LoggedEvent
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Status, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.OccurredAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LoadStateHash returns the logged state hash at sequence, or sql.ErrNoRows.
func (sm *SnapshotManager) LoadStateHash(ctx context.Context, sequence int64) ([]byte, error) {
	var hash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM ledger.events WHERE sequence = $1
	`, sequence).Scan(&hash)
	return hash, err
}

// LoadMintedSupply sums minted_amount per mint over applied events.
func (sm *SnapshotManager) LoadMintedSupply(ctx context.Context) (map[solana.PublicKey]*big.Int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT minted_mint, SUM(minted_amount)::TEXT
		FROM ledger.events
		WHERE status = 'applied' AND minted_mint IS NOT NULL
		GROUP BY minted_mint
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	supply := make(map[solana.PublicKey]*big.Int)
	for rows.Next() {
		var mintStr, amountStr string
		if err := rows.Scan(&mintStr, &amountStr); err != nil {
			return nil, err
		}
		mint, err := solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			return nil, fmt.Errorf("minted_mint %q: %w", mintStr, err)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("minted_amount %q for %s is not an integer", amountStr, mintStr)
		}
		supply[mint] = amount
	}

	return supply, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM ledger.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
