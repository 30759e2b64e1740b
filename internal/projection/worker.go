package projection

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/program"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// WatermarkName keys the token account projection in projections.watermark.
const WatermarkName = "token_accounts"

// AccountRow is one row of projections.token_accounts.
type AccountRow struct {
	Pubkey       string
	OwnerProgram string
	Mint         *string // nil unless the record decodes and is initialized
	Holder       *string
	Amount       string // NUMERIC(20,0) as decimal text
	Initialized  bool
	DataLen      int
	LastSequence int64
}

// NewAccountRow decodes acc's record when programID owns it. Buffers owned
// elsewhere or too short to hold a record project with a zero amount.
func NewAccountRow(programID solana.PublicKey, acc *core.Account) AccountRow {
	row := AccountRow{
		Pubkey:       acc.Key.String(),
		OwnerProgram: acc.Owner.String(),
		Amount:       "0",
		DataLen:      len(acc.Data),
		LastSequence: acc.LastSequence,
	}
	if acc.Owner != programID {
		return row
	}

	record, err := program.UnpackUnchecked(acc.Data)
	if err != nil {
		return row
	}
	row.Amount = strconv.FormatUint(record.Amount, 10)
	if record.IsInitialized() {
		mint := record.Mint.String()
		holder := record.Owner.String()
		row.Mint = &mint
		row.Holder = &holder
		row.Initialized = true
	}
	return row
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; projections that fall
// behind are rebuilt from the engine's state on the next start.
type ProjectionWorker struct {
	db        *sql.DB
	programID solana.PublicKey
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	programID solana.PublicKey,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		programID: programID,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetLastSequence seeds the sequence the projection already reflects,
// normally the one RebuildProjections was given.
func (pw *ProjectionWorker) SetLastSequence(seq int64) {
	pw.lastSeq = seq
}

// Run starts the projection worker loop. An output that does not directly
// follow the last applied one marks the watermark non-contiguous: some
// update was dropped or failed and rows may be stale until the next rebuild.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			seq := output.Envelope.Sequence
			contiguous := seq == pw.lastSeq+1
			if !contiguous {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("sequence", seq).
					Msg("projection gap, watermark marked non-contiguous")
			}
			if err := pw.processOutput(ctx, output, contiguous); err != nil {
				// Eventually consistent: the next rebuild repairs the row
				pw.logger.Warn().Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
				continue
			}

			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionSequence.Set(float64(pw.lastSeq))
				pw.metrics.ProjectionAccountsWritten.Add(float64(len(output.Accounts)))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput, contiguous bool) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows := make([]AccountRow, len(output.Accounts))
	for i, acc := range output.Accounts {
		rows[i] = NewAccountRow(pw.programID, acc)
	}
	if err := upsertAccounts(ctx, tx, rows); err != nil {
		return fmt.Errorf("token account projection: %w", err)
	}

	if err := setWatermark(ctx, tx, output.Envelope.Sequence, contiguous); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

const accountColumns = 8

// upsertAccounts writes rows, never replacing a row with an older sequence.
func upsertAccounts(ctx context.Context, tx *sql.Tx, rows []AccountRow) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*accountColumns)
	for i, r := range rows {
		placeholders := make([]string, accountColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", i*accountColumns+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, r.Pubkey, r.OwnerProgram, r.Mint, r.Holder, r.Amount, r.Initialized, r.DataLen, r.LastSequence)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.token_accounts
			(pubkey, owner_program, mint, holder, amount, initialized, data_len, last_sequence)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (pubkey) DO UPDATE SET
			owner_program = EXCLUDED.owner_program,
			mint          = EXCLUDED.mint,
			holder        = EXCLUDED.holder,
			amount        = EXCLUDED.amount,
			initialized   = EXCLUDED.initialized,
			data_len      = EXCLUDED.data_len,
			last_sequence = EXCLUDED.last_sequence,
			updated_at    = NOW()
		WHERE projections.token_accounts.last_sequence <= EXCLUDED.last_sequence
	`, args...)
	return err
}

// setWatermark advances the watermark. Contiguity only ever goes from true
// to false here; RebuildProjections is the one place that restores it.
func setWatermark(ctx context.Context, tx *sql.Tx, sequence int64, contiguous bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, contiguous, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    contiguous = projections.watermark.contiguous AND EXCLUDED.contiguous,
			    updated_at = NOW()
	`, WatermarkName, sequence, contiguous)
	return err
}

// RebuildProjections replaces every projection row with the given account
// set, typically the engine's state right after recovery, and sets the
// watermark to sequence with contiguity restored.
func RebuildProjections(
	ctx context.Context,
	db *sql.DB,
	programID solana.PublicKey,
	accounts []*core.Account,
	sequence int64,
	logger zerolog.Logger,
) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.token_accounts`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.watermark WHERE projection_name = $1`, WatermarkName,
	); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	const batch = 500
	for start := 0; start < len(accounts); start += batch {
		end := min(start+batch, len(accounts))
		rows := make([]AccountRow, 0, end-start)
		for _, acc := range accounts[start:end] {
			rows = append(rows, NewAccountRow(programID, acc))
		}
		if err := upsertAccounts(ctx, tx, rows); err != nil {
			return fmt.Errorf("rebuild accounts: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, sequence, true); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int("accounts", len(accounts)).Int64("sequence", sequence).Msg("projection rebuild complete")
	return nil
}
