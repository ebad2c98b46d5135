package anchor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Instruction names of the escrow program.
const (
	InstructionMake   = "make"
	InstructionTake   = "take"
	InstructionRefund = "refund"
)

// ErrUnknownInstruction is returned when data carries no known instruction discriminator.
var ErrUnknownInstruction = errors.New("anchor: unknown instruction")

var (
	makeDisc   = InstructionDiscriminator(InstructionMake)
	takeDisc   = InstructionDiscriminator(InstructionTake)
	refundDisc = InstructionDiscriminator(InstructionRefund)
)

// MakeArgs are the arguments of the make instruction in declaration order.
type MakeArgs struct {
	Seed    uint64
	Receive uint64
	Deposit uint64
}

// Instruction is a decoded instruction. Args is set for make only.
type Instruction struct {
	Name string
	Args *MakeArgs
}

// EncodeMake returns disc | seed u64 | receive u64 | deposit u64.
func EncodeMake(args MakeArgs) []byte {
	buf := make([]byte, DiscriminatorLength+24)
	copy(buf, makeDisc[:])
	binary.LittleEndian.PutUint64(buf[8:], args.Seed)
	binary.LittleEndian.PutUint64(buf[16:], args.Receive)
	binary.LittleEndian.PutUint64(buf[24:], args.Deposit)
	return buf
}

// EncodeTake returns the take discriminator; the instruction has no arguments.
func EncodeTake() []byte {
	return append([]byte(nil), takeDisc[:]...)
}

// EncodeRefund returns the refund discriminator; the instruction has no arguments.
func EncodeRefund() []byte {
	return append([]byte(nil), refundDisc[:]...)
}

// DecodeInstruction identifies an instruction and parses its arguments.
func DecodeInstruction(data []byte) (*Instruction, error) {
	if len(data) < DiscriminatorLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortData, len(data))
	}

	switch Discriminator(data[:DiscriminatorLength]) {
	case makeDisc:
		if len(data) < DiscriminatorLength+24 {
			return nil, fmt.Errorf("%w: make args are %d bytes", ErrShortData, len(data)-DiscriminatorLength)
		}
		return &Instruction{
			Name: InstructionMake,
			Args: &MakeArgs{
				Seed:    binary.LittleEndian.Uint64(data[8:]),
				Receive: binary.LittleEndian.Uint64(data[16:]),
				Deposit: binary.LittleEndian.Uint64(data[24:]),
			},
		}, nil
	case takeDisc:
		return &Instruction{Name: InstructionTake}, nil
	case refundDisc:
		return &Instruction{Name: InstructionRefund}, nil
	}
	return nil, ErrUnknownInstruction
}
