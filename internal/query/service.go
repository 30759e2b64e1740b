package query

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/projection"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the event log and projection
// tables. Every response carries as_of_sequence, the projection watermark
// at the time of the read.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const accountSelect = `
	SELECT pubkey, owner_program, mint, holder, amount::TEXT, initialized, data_len, last_sequence
	FROM projections.token_accounts
`

// GetAccount returns the projected state of one account.
func (qs *QueryService) GetAccount(ctx context.Context, pubkey solana.PublicKey) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, accountSelect+` WHERE pubkey = $1`, pubkey.String())

	var a AccountResponse
	if err := scanAccount(row, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", pubkey, ErrNotFound)
		}
		return nil, err
	}
	a.AsOfSequence = asOfSeq
	return &a, nil
}

// ListByHolder returns the accounts whose record names holder as owner,
// ordered by pubkey and starting after cursor.
func (qs *QueryService) ListByHolder(ctx context.Context, holder solana.PublicKey, limit int, cursor string) (*AccountList, error) {
	return qs.listAccounts(ctx, "holder", holder.String(), limit, cursor)
}

// ListByMint returns the accounts of one mint, ordered by pubkey and
// starting after cursor.
func (qs *QueryService) ListByMint(ctx context.Context, mint solana.PublicKey, limit int, cursor string) (*AccountList, error) {
	return qs.listAccounts(ctx, "mint", mint.String(), limit, cursor)
}

func (qs *QueryService) listAccounts(ctx context.Context, column, value string, limit int, cursor string) (*AccountList, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	// column is one of two fixed names, never caller input
	query := accountSelect + fmt.Sprintf(` WHERE %s = $1 AND pubkey > $2 ORDER BY pubkey LIMIT $3`, column)

	// Fetch one extra row to learn whether another page exists
	rows, err := qs.db.QueryContext(ctx, query, value, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := &AccountList{Accounts: []AccountResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var a AccountResponse
		if err := scanAccount(rows, &a); err != nil {
			return nil, err
		}
		a.AsOfSequence = asOfSeq
		list.Accounts = append(list.Accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(list.Accounts) > limit {
		list.Accounts = list.Accounts[:limit]
		list.NextCursor = list.Accounts[limit-1].Pubkey
	}
	return list, nil
}

// GetEvent returns the logged event with the given type and idempotency key.
func (qs *QueryService) GetEvent(ctx context.Context, eventType, idempotencyKey string) (*EventResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var e EventResponse
	var payload, stateHash, prevHash []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, idempotency_key, status, error_kind, message, opcode,
		       payload, state_hash, prev_hash, occurred_at
		FROM ledger.events
		WHERE event_type = $1 AND idempotency_key = $2
	`, eventType, idempotencyKey).Scan(
		&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Status, &e.ErrorKind, &e.Message, &e.Opcode,
		&payload, &stateHash, &prevHash, &e.OccurredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s/%s: %w", eventType, idempotencyKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	e.Payload = payload
	e.StateHash = hex.EncodeToString(stateHash)
	e.PrevHash = hex.EncodeToString(prevHash)
	e.AsOfSequence = asOfSeq
	return &e, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the hash chain, including the link from sequence 1
// to the genesis hash, and compares minted supply with projected balances.
// The supply comparison only runs while the projection watermark is
// contiguous; after a dropped update it is skipped until the next rebuild.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, contiguous, err := qs.watermarkState(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	genesis := core.GenesisHash()
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM (
			SELECT e1.sequence
			FROM ledger.events e1
			JOIN ledger.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash != e2.state_hash
			UNION ALL
			SELECT sequence FROM ledger.events
			WHERE sequence = 1 AND prev_hash != $1
		) breaks
		ORDER BY sequence
		LIMIT 10
	`, genesis[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	if !contiguous {
		return report, nil
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(minted_amount), 0)::TEXT FROM ledger.events
			 WHERE status = 'applied' AND minted_mint IS NOT NULL AND sequence <= $1),
			(SELECT COALESCE(SUM(amount), 0)::TEXT FROM projections.token_accounts)
	`, asOfSeq).Scan(&report.MintedSupply, &report.ProjectedSupply)
	if err != nil {
		return nil, err
	}

	report.SupplyChecked = true
	report.IsHealthy = report.IsHealthy && report.MintedSupply == report.ProjectedSupply
	return report, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, a *AccountResponse) error {
	return row.Scan(
		&a.Pubkey, &a.OwnerProgram, &a.Mint, &a.Holder, &a.Amount,
		&a.Initialized, &a.DataLen, &a.LastSequence,
	)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	seq, _, err := qs.watermarkState(ctx)
	return seq, err
}

// watermarkState returns the projection watermark and whether every
// sequence up to it was applied. No row means nothing projected yet.
func (qs *QueryService) watermarkState(ctx context.Context) (int64, bool, error) {
	var seq int64
	var contiguous bool
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence, contiguous FROM projections.watermark WHERE projection_name = $1
	`, projection.WatermarkName).Scan(&seq, &contiguous)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, true, nil
	}
	return seq, contiguous, err
}
