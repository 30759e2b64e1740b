package ledger

import (
	"TokenLedger/internal/program"
	"math/big"
	"sort"

	"github.com/gagliardetto/solana-go"
)

// SupplyTracker keeps the running minted supply per mint authority.
// Totals use big.Int: the sum of many u64 mints can exceed 2^64.
// Not thread-safe: only accessed from the single-threaded core.
type SupplyTracker struct {
	minted map[solana.PublicKey]*big.Int
	total  *big.Int
}

func NewSupplyTracker() *SupplyTracker {
	return &SupplyTracker{
		minted: make(map[solana.PublicKey]*big.Int),
		total:  new(big.Int),
	}
}

// RecordMint adds amount to the supply of mint.
func (s *SupplyTracker) RecordMint(mint solana.PublicKey, amount uint64) {
	inc := new(big.Int).SetUint64(amount)

	cur, ok := s.minted[mint]
	if !ok {
		cur = new(big.Int)
		s.minted[mint] = cur
	}
	cur.Add(cur, inc)
	s.total.Add(s.total, inc)
}

// Minted returns a copy of the supply minted under mint.
func (s *SupplyTracker) Minted(mint solana.PublicKey) *big.Int {
	if cur, ok := s.minted[mint]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// TotalMinted returns a copy of the supply across all mints.
func (s *SupplyTracker) TotalMinted() *big.Int {
	return new(big.Int).Set(s.total)
}

// Restore replaces tracked supply, used on warm restart.
func (s *SupplyTracker) Restore(minted map[solana.PublicKey]*big.Int) {
	s.minted = make(map[solana.PublicKey]*big.Int, len(minted))
	s.total = new(big.Int)
	for mint, amount := range minted {
		s.minted[mint] = new(big.Int).Set(amount)
		s.total.Add(s.total, amount)
	}
}

// Mints returns tracked mint keys in base58 order.
func (s *SupplyTracker) Mints() []solana.PublicKey {
	mints := make([]solana.PublicKey, 0, len(s.minted))
	for mint := range s.minted {
		mints = append(mints, mint)
	}
	sort.Slice(mints, func(i, j int) bool {
		return mints[i].String() < mints[j].String()
	})
	return mints
}

// TokenAmount returns the balance held in data when the account is owned by
// programID and large enough to hold a record, zero otherwise.
func TokenAmount(programID, owner solana.PublicKey, data []byte) uint64 {
	if owner != programID {
		return 0
	}
	record, err := program.UnpackUnchecked(data)
	if err != nil {
		return 0
	}
	return record.Amount
}
