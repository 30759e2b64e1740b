package persistence

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/event"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// ErrSupplyMismatch is returned when the recovered per-mint supply disagrees
// with the minted totals recorded in the event log.
var ErrSupplyMismatch = errors.New("recovered supply does not match event log")

// Replayer is the part of the engine recovery drives.
type Replayer interface {
	Restore(snap *core.SnapshotState)
	ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error
	LastSequence() int64
	ValidateSupply() error
	MintedSupply() map[solana.PublicKey]*big.Int
}

// EventSource is the log recovery reads from.
type EventSource interface {
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
	LoadStateHash(ctx context.Context, sequence int64) ([]byte, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]LoggedEvent, error)
	LoadMintedSupply(ctx context.Context) (map[solana.PublicKey]*big.Int, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// RecoveryResult summarizes a completed recovery.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 when replay started from genesis
	Replayed         int64
	LastSequence     int64
}

// Recover restores the latest usable snapshot into r and replays every
// later event. Each replayed event must land on its logged sequence and
// reproduce its logged state hash. A snapshot whose hash is not in the log
// is ignored and replay starts from genesis.
func Recover(ctx context.Context, src EventSource, r Replayer, logger zerolog.Logger) (RecoveryResult, error) {
	var result RecoveryResult

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}

	if snap != nil {
		state, err := usableSnapshot(ctx, src, snap)
		if err != nil {
			logger.Warn().Err(err).Int64("sequence", snap.Sequence).
				Msg("snapshot rejected, replaying from genesis")
		} else {
			r.Restore(state)
			result.SnapshotSequence = snap.Sequence
			logger.Info().
				Int64("sequence", snap.Sequence).
				Int("accounts", len(state.Accounts)).
				Msg("restored snapshot")
		}
	}

	replayed, err := ReplayEvents(ctx, src, r, r.LastSequence()+1)
	result.Replayed = replayed
	result.LastSequence = r.LastSequence()
	if err != nil {
		return result, err
	}

	if err := r.ValidateSupply(); err != nil {
		return result, err
	}
	if err := crossCheckSupply(ctx, src, r); err != nil {
		return result, err
	}

	if result.SnapshotSequence > 0 {
		if err := src.MarkVerified(ctx, result.SnapshotSequence); err != nil {
			logger.Warn().Err(err).Int64("sequence", result.SnapshotSequence).
				Msg("failed to mark snapshot verified")
		}
	}

	return result, nil
}

func usableSnapshot(ctx context.Context, src EventSource, snap *SnapshotData) (*core.SnapshotState, error) {
	state, err := snap.State()
	if err != nil {
		return nil, err
	}

	logged, err := src.LoadStateHash(ctx, snap.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sequence %d not in event log", snap.Sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("load logged hash: %w", err)
	}
	if !bytes.Equal(logged, state.StateHash[:]) {
		return nil, fmt.Errorf("snapshot hash %x differs from logged %x", state.StateHash, logged)
	}

	return state, nil
}

// ReplayEvents feeds logged events from fromSequence onward into r and
// returns how many were replayed.
func ReplayEvents(ctx context.Context, src EventSource, r Replayer, fromSequence int64) (int64, error) {
	var replayed int64

	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		events, err := src.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			return replayed, nil
		}

		for _, row := range events {
			evt, err := event.UnmarshalPayload(event.ParseEventType(row.EventType), row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode event at seq %d: %w", row.Sequence, err)
			}

			var hash [32]byte
			if len(row.StateHash) != len(hash) {
				return replayed, fmt.Errorf("%w: seq %d has a %d-byte state hash",
					core.ErrReplayDivergence, row.Sequence, len(row.StateHash))
			}
			copy(hash[:], row.StateHash)

			if err := r.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return replayed, err
			}
			replayed++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}
}

func crossCheckSupply(ctx context.Context, src EventSource, r Replayer) error {
	logged, err := src.LoadMintedSupply(ctx)
	if err != nil {
		return fmt.Errorf("load minted supply: %w", err)
	}

	recovered := r.MintedSupply()
	for mint, amount := range recovered {
		if amount.Sign() == 0 {
			continue
		}
		if want, ok := logged[mint]; !ok || want.Cmp(amount) != 0 {
			return fmt.Errorf("%w: mint %s recovered %s, logged %v", ErrSupplyMismatch, mint, amount, want)
		}
	}
	for mint, want := range logged {
		if want.Sign() == 0 {
			continue
		}
		if _, ok := recovered[mint]; !ok {
			return fmt.Errorf("%w: mint %s logged %s, not recovered", ErrSupplyMismatch, mint, want)
		}
	}
	return nil
}
