package program_test

import (
	"TokenLedger/internal/program"
	"TokenLedger/internal/testutil"
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

func TestRecord_RoundTrip(t *testing.T) {
	records := []program.Record{
		{},
		{Mint: key(1), Owner: key(2), Amount: 1},
		{Mint: key(0xff), Owner: key(0xfe), Amount: ^uint64(0)},
		{Mint: key(7), Owner: key(7), Amount: 1000},
	}

	for _, r := range records {
		buf := make([]byte, program.RecordLen)
		if err := r.PackInto(buf); err != nil {
			t.Fatalf("pack %+v: %v", r, err)
		}

		got, err := program.UnpackUnchecked(buf)
		if err != nil {
			t.Fatalf("unpack %+v: %v", r, err)
		}
		if got != r {
			t.Errorf("round trip: got %+v, want %+v", got, r)
		}
	}
}

func TestRecord_Layout(t *testing.T) {
	r := program.Record{Mint: key(0xa1), Owner: key(0xb2), Amount: 1000}
	testutil.AssertGolden(t, "record_layout.hex", []byte(hex.EncodeToString(r.Bytes())))
}

func TestUnpackUnchecked_ZeroBufferIsUninitialized(t *testing.T) {
	r, err := program.UnpackUnchecked(make([]byte, program.RecordLen))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if r.Amount != 0 || r.IsInitialized() || !r.Mint.IsZero() || !r.Owner.IsZero() {
		t.Errorf("expected empty uninitialized record, got %+v", r)
	}
}

func TestUnpackUnchecked_ShortBufferIsMalformed(t *testing.T) {
	for _, n := range []int{0, 8, 40, 64, 71} {
		if _, err := program.UnpackUnchecked(make([]byte, n)); !errors.Is(err, program.ErrMalformed) {
			t.Errorf("len=%d: got %v, want ErrMalformed", n, err)
		}
	}
}

func TestUnpackUnchecked_LongerBufferUsesPrefix(t *testing.T) {
	r := program.Record{Mint: key(3), Owner: key(4), Amount: 55}
	buf := append(r.Bytes(), 0xde, 0xad)

	got, err := program.UnpackUnchecked(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestUnpack_RejectsUninitialized(t *testing.T) {
	if _, err := program.Unpack(make([]byte, program.RecordLen)); !errors.Is(err, program.ErrUninitializedAccount) {
		t.Errorf("zero record: got %v, want ErrUninitializedAccount", err)
	}
	if _, err := program.Unpack(make([]byte, 10)); !errors.Is(err, program.ErrMalformed) {
		t.Errorf("short buffer: got %v, want ErrMalformed", err)
	}

	r := program.Record{Mint: key(1), Owner: key(1), Amount: 1}
	got, err := program.Unpack(r.Bytes())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestPackInto_LeavesTrailingBytes(t *testing.T) {
	buf := make([]byte, program.RecordLen+4)
	for i := range buf {
		buf[i] = 0xee
	}

	r := program.Record{Mint: key(9), Owner: key(8), Amount: 42}
	if err := r.PackInto(buf); err != nil {
		t.Fatalf("pack: %v", err)
	}

	if tail := buf[program.RecordLen:]; !bytes.Equal(tail, []byte{0xee, 0xee, 0xee, 0xee}) {
		t.Errorf("trailing bytes overwritten: %x", tail)
	}
}

func TestPackInto_ShortBufferIsMalformed(t *testing.T) {
	buf := make([]byte, 64)
	err := program.Record{Amount: 1}.PackInto(buf)
	if !errors.Is(err, program.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
	if !bytes.Equal(buf, make([]byte, 64)) {
		t.Error("short buffer must not be written")
	}
}
