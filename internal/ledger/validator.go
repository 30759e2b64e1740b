package ledger

import (
	tlmath "TokenLedger/internal/math"
	"TokenLedger/internal/program"
	"fmt"
	"math/big"
)

// InvariantValidator checks supply invariants around every instruction
type InvariantValidator struct {
	supply *SupplyTracker
}

func NewInvariantValidator(supply *SupplyTracker) *InvariantValidator {
	return &InvariantValidator{
		supply: supply,
	}
}

// ValidateInstructionDelta verifies the balance change across the distinct
// accounts an instruction touched: transfers conserve the sum, mints add
// exactly amount.
func (v *InvariantValidator) ValidateInstructionDelta(ix program.Instruction, before, after []uint64) error {
	delta := new(big.Int).Sub(tlmath.SumUint64(after...), tlmath.SumUint64(before...))

	expected := new(big.Int)
	if ix.Op == program.OpMint {
		expected.SetUint64(ix.Amount)
	}

	if delta.Cmp(expected) != 0 {
		return fmt.Errorf("%s moved supply by %s, expected %s", ix.Op, delta, expected)
	}
	return nil
}

// ValidateGlobalSupply verifies that the balances of all token accounts add up
// to the supply minted so far.
func (v *InvariantValidator) ValidateGlobalSupply(balances []uint64) error {
	held := tlmath.SumUint64(balances...)
	minted := v.supply.TotalMinted()

	if held.Cmp(minted) != 0 {
		return fmt.Errorf("accounts hold %s tokens but %s were minted", held, minted)
	}
	return nil
}
