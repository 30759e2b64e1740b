package query

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// HolderBalance is the total a holder owns of one mint across all of its
// initialized token accounts.
type HolderBalance struct {
	Holder       string `json:"holder"`
	Mint         string `json:"mint"`
	Amount       string `json:"amount"` // decimal, may exceed u64
	Accounts     int    `json:"accounts"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetHolderBalance sums the projected amounts of holder's accounts for mint.
func (qs *QueryService) GetHolderBalance(
	ctx context.Context,
	holder solana.PublicKey,
	mint solana.PublicKey,
) (*HolderBalance, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &HolderBalance{
		Holder:       holder.String(),
		Mint:         mint.String(),
		AsOfSequence: asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT, COUNT(*)
		FROM projections.token_accounts
		WHERE holder = $1 AND mint = $2
	`, resp.Holder, resp.Mint).Scan(&resp.Amount, &resp.Accounts)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
