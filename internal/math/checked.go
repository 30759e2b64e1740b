// internal/math/checked.go
package math

import (
	"math/big"
	"math/bits"
	"sync"
)

// CheckedAdd returns a + b and false if the sum overflows uint64.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// CheckedSub returns a - b and false if b > a.
func CheckedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// Wide accumulators for supply totals, which can exceed uint64 when summed
// across many accounts.
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

// SumUint64 returns the exact sum of values as a new big.Int.
func SumUint64(values ...uint64) *big.Int {
	acc := widePool.Get().(*big.Int)
	acc.SetUint64(0)

	term := widePool.Get().(*big.Int)
	for _, v := range values {
		acc.Add(acc, term.SetUint64(v))
	}

	result := new(big.Int).Set(acc)

	acc.SetInt64(0)
	term.SetInt64(0)
	widePool.Put(acc)
	widePool.Put(term)

	return result
}
