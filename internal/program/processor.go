package program

import (
	tlmath "TokenLedger/internal/math"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountInfo is the host's view of one account for the duration of a single
// instruction. Data is borrowed: handlers write into it in place.
type AccountInfo struct {
	Key      solana.PublicKey
	Owner    solana.PublicKey
	IsSigner bool
	Data     []byte
}

// Process is the program entrypoint. It decodes the instruction payload and
// routes to the mint or transfer handler.
func Process(programID solana.PublicKey, accounts []AccountInfo, data []byte) error {
	ix, err := UnpackInstruction(data)
	if err != nil {
		return err
	}

	switch ix.Op {
	case OpMint:
		return processMint(programID, accounts, ix.Amount)
	case OpTransfer:
		return processTransfer(programID, accounts, ix.Amount)
	}
	return fmt.Errorf("opcode %d: %w", ix.Op, ErrInvalidInstruction)
}

// processMint initializes token_account with amount, naming the authority
// as both mint and owner. Accounts: [authority, token].
func processMint(programID solana.PublicKey, accounts []AccountInfo, amount uint64) error {
	if len(accounts) < 2 {
		return fmt.Errorf("mint needs 2 accounts, got %d: %w", len(accounts), ErrNotEnoughAccountKeys)
	}
	authority := &accounts[0]
	token := &accounts[1]

	if token.Owner != programID {
		return fmt.Errorf("token account %s owned by %s: %w", token.Key, token.Owner, ErrIncorrectOwner)
	}

	record, err := UnpackUnchecked(token.Data)
	if err != nil {
		return fmt.Errorf("token account %s: %w", token.Key, err)
	}
	if record.IsInitialized() {
		return fmt.Errorf("token account %s: %w", token.Key, ErrAlreadyInitialized)
	}

	record.Mint = authority.Key
	record.Owner = authority.Key
	record.Amount = amount

	return record.PackInto(token.Data)
}

// processTransfer moves amount from source to destination under the
// authority's signature. Accounts: [source, destination, authority].
func processTransfer(_ solana.PublicKey, accounts []AccountInfo, amount uint64) error {
	if len(accounts) < 3 {
		return fmt.Errorf("transfer needs 3 accounts, got %d: %w", len(accounts), ErrNotEnoughAccountKeys)
	}
	source := &accounts[0]
	destination := &accounts[1]
	authority := &accounts[2]

	if !authority.IsSigner {
		return fmt.Errorf("authority %s: %w", authority.Key, ErrMissingSignature)
	}

	sourceRecord, err := Unpack(source.Data)
	if err != nil {
		return fmt.Errorf("source account %s: %w", source.Key, err)
	}
	destRecord, err := UnpackUnchecked(destination.Data)
	if err != nil {
		return fmt.Errorf("destination account %s: %w", destination.Key, err)
	}

	debited, ok := tlmath.CheckedSub(sourceRecord.Amount, amount)
	if !ok {
		return fmt.Errorf("source account %s has %d, need %d: %w",
			source.Key, sourceRecord.Amount, amount, ErrInsufficientFunds)
	}
	sourceRecord.Amount = debited

	// Same account on both sides: the credit applies to the debited record.
	if source.Key == destination.Key {
		destRecord = sourceRecord
	}

	credited, ok := tlmath.CheckedAdd(destRecord.Amount, amount)
	if !ok {
		return fmt.Errorf("destination account %s: %w", destination.Key, ErrArithmeticOverflow)
	}
	destRecord.Amount = credited

	// Both buffers passed the length check above, so neither pack can fail.
	if err := sourceRecord.PackInto(source.Data); err != nil {
		return err
	}
	return destRecord.PackInto(destination.Data)
}
