package program

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// RecordLen is the encoded size of a Record: amount(8) + mint(32) + owner(32).
const RecordLen = 72

const (
	amountOffset = 0
	mintOffset   = 8
	ownerOffset  = 40
)

// Record is the decoded balance state held in an account buffer.
type Record struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// IsInitialized reports whether the record has been minted into.
// A freshly allocated (all-zero) buffer decodes as uninitialized.
func (r Record) IsInitialized() bool {
	return r.Amount > 0
}

// UnpackUnchecked extracts a record from the first RecordLen bytes of src
// without any semantic validation.
func UnpackUnchecked(src []byte) (Record, error) {
	if len(src) < RecordLen {
		return Record{}, fmt.Errorf("unpack: have %d bytes, need %d: %w", len(src), RecordLen, ErrMalformed)
	}

	var r Record
	r.Amount = binary.LittleEndian.Uint64(src[amountOffset:mintOffset])
	copy(r.Mint[:], src[mintOffset:ownerOffset])
	copy(r.Owner[:], src[ownerOffset:RecordLen])
	return r, nil
}

// Unpack is UnpackUnchecked plus a check that the record is initialized.
func Unpack(src []byte) (Record, error) {
	r, err := UnpackUnchecked(src)
	if err != nil {
		return Record{}, err
	}
	if !r.IsInitialized() {
		return Record{}, ErrUninitializedAccount
	}
	return r, nil
}

// PackInto writes the record into dst[0:RecordLen]. Bytes past RecordLen are
// left untouched.
func (r Record) PackInto(dst []byte) error {
	if len(dst) < RecordLen {
		return fmt.Errorf("pack: have %d bytes, need %d: %w", len(dst), RecordLen, ErrMalformed)
	}

	binary.LittleEndian.PutUint64(dst[amountOffset:mintOffset], r.Amount)
	copy(dst[mintOffset:ownerOffset], r.Mint[:])
	copy(dst[ownerOffset:RecordLen], r.Owner[:])
	return nil
}

// Bytes returns a fresh RecordLen-byte encoding of the record.
func (r Record) Bytes() []byte {
	buf := make([]byte, RecordLen)
	_ = r.PackInto(buf)
	return buf
}
