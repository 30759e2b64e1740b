package program

import "errors"

// ErrorKind classifies a program failure for metrics labels, RPC status codes
// and the persisted event status.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindInvalidInstruction
	KindIncorrectOwner
	KindAlreadyInitialized
	KindMissingSignature
	KindInsufficientFunds
	KindMalformed
	KindNotEnoughAccountKeys
	KindUninitializedAccount
	KindArithmeticOverflow
	KindUnknown
)

var (
	ErrInvalidInstruction   = errors.New("invalid instruction data")
	ErrIncorrectOwner       = errors.New("account not owned by program")
	ErrAlreadyInitialized   = errors.New("account already initialized")
	ErrMissingSignature     = errors.New("missing required signature")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMalformed            = errors.New("account data too small for record")
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")
	ErrUninitializedAccount = errors.New("account not initialized")
	ErrArithmeticOverflow   = errors.New("arithmetic overflow")
)

var kindErrors = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidInstruction, ErrInvalidInstruction},
	{KindIncorrectOwner, ErrIncorrectOwner},
	{KindAlreadyInitialized, ErrAlreadyInitialized},
	{KindMissingSignature, ErrMissingSignature},
	{KindInsufficientFunds, ErrInsufficientFunds},
	{KindMalformed, ErrMalformed},
	{KindNotEnoughAccountKeys, ErrNotEnoughAccountKeys},
	{KindUninitializedAccount, ErrUninitializedAccount},
	{KindArithmeticOverflow, ErrArithmeticOverflow},
}

// KindOf returns the kind of a (possibly wrapped) program error.
// nil maps to KindNone, anything foreign to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindUnknown
}

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindInvalidInstruction:
		return "InvalidInstruction"
	case KindIncorrectOwner:
		return "IncorrectOwner"
	case KindAlreadyInitialized:
		return "AlreadyInitialized"
	case KindMissingSignature:
		return "MissingSignature"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindMalformed:
		return "Malformed"
	case KindNotEnoughAccountKeys:
		return "NotEnoughAccountKeys"
	case KindUninitializedAccount:
		return "UninitializedAccount"
	case KindArithmeticOverflow:
		return "ArithmeticOverflow"
	default:
		return "Unknown"
	}
}
