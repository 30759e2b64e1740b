package core

import (
	"bytes"

	"github.com/gagliardetto/solana-go"
)

// Account is the host's record of one data buffer and the program that may
// write it.
type Account struct {
	Key          solana.PublicKey
	Owner        solana.PublicKey
	Data         []byte
	LastSequence int64
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Account) Clone() *Account {
	return &Account{
		Key:          a.Key,
		Owner:        a.Owner,
		Data:         bytes.Clone(a.Data),
		LastSequence: a.LastSequence,
	}
}

func lessKey(a, b solana.PublicKey) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
