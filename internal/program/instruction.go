package program

import (
	"encoding/binary"
	"fmt"
)

// InstructionLen is the opcode byte followed by a u64 LE amount.
const InstructionLen = 9

// Opcode selects the handler for an instruction.
type Opcode uint8

const (
	OpMint     Opcode = 0
	OpTransfer Opcode = 1
)

func (op Opcode) String() string {
	switch op {
	case OpMint:
		return "mint"
	case OpTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Valid reports whether op is one of the known opcodes.
func (op Opcode) Valid() bool {
	return op == OpMint || op == OpTransfer
}

// Instruction is a decoded instruction payload.
type Instruction struct {
	Op     Opcode
	Amount uint64
}

// UnpackInstruction decodes an instruction payload. Unknown opcodes and
// payloads shorter than InstructionLen are rejected; trailing bytes are ignored.
func UnpackInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, fmt.Errorf("empty payload: %w", ErrInvalidInstruction)
	}

	op := Opcode(data[0])
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("opcode %d: %w", data[0], ErrInvalidInstruction)
	}

	if len(data) < InstructionLen {
		return Instruction{}, fmt.Errorf("%s payload has %d bytes, need %d: %w",
			op, len(data), InstructionLen, ErrInvalidInstruction)
	}

	return Instruction{
		Op:     op,
		Amount: binary.LittleEndian.Uint64(data[1:InstructionLen]),
	}, nil
}

// Pack encodes the instruction into its 9-byte wire form.
func (ix Instruction) Pack() []byte {
	buf := make([]byte, InstructionLen)
	buf[0] = uint8(ix.Op)
	binary.LittleEndian.PutUint64(buf[1:], ix.Amount)
	return buf
}

// MintInstruction builds a mint payload.
func MintInstruction(amount uint64) []byte {
	return Instruction{Op: OpMint, Amount: amount}.Pack()
}

// TransferInstruction builds a transfer payload.
func TransferInstruction(amount uint64) []byte {
	return Instruction{Op: OpTransfer, Amount: amount}.Pack()
}
