package vm

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// OperandKind distinguishes how an Operand's Value field is interpreted.
type OperandKind byte

const (
	OperandRegister OperandKind = iota
	OperandImmInt
	OperandImmFloat
	OperandRange
)

// Operand flag bits, packed into the first byte of each operand record.
const (
	operandFlagReg byte = 1 << iota
	operandFlagInteger
	operandFlagNegative
	operandFlagPrefix
	operandFlagPostfix
	operandFlagRange
	operandFlagSizeLow
	operandFlagSizeHigh
)

// Operand is one argument to an instruction: a register reference, an
// immediate integer or float, or a register range (begin,end).
//
// An operand may carry a deferred fixup: when RefName is non-empty, Value is
// meaningless until Assembler.ResolveNamedRefs patches it in from the named
// reference's resolved address/offset/local-slot and clears RefName.
type Operand struct {
	Kind     OperandKind
	Size     OperandSize
	Value    uint64 // register index, or the immediate's bit pattern
	Negative bool
	RangeEnd byte // used only when Kind == OperandRange

	RefName   string
	RefOffset int64
}

// IsUnresolved reports whether this operand still carries a pending fixup.
func (o Operand) IsUnresolved() bool { return o.RefName != "" }

// MaxOperands bounds the number of operands an instruction may carry.
const MaxOperands = 4

// Instruction is the in-memory decoded form of one bytecode instruction.
type Instruction struct {
	Op       Opcode
	Size     OperandSize
	Operands []Operand
}

// sizeToBits packs an OperandSize into the 2 bits the wire format allots it.
func sizeToBits(size OperandSize) byte {
	switch size {
	case SizeByte:
		return 0
	case SizeWord:
		return 1
	case SizeDWord:
		return 2
	case SizeQWord:
		return 3
	default:
		return 0
	}
}

func sizeFromBits(bits byte) OperandSize {
	switch bits & 0x3 {
	case 0:
		return SizeByte
	case 1:
		return SizeWord
	case 2:
		return SizeDWord
	default:
		return SizeQWord
	}
}

// EncodedLength computes, without encoding, how many bytes Encode will write
// for instr, rounded up to the next multiple of 4.
func (instr *Instruction) EncodedLength() int {
	n := 3 // length byte, opcode byte, size/count byte
	for _, operand := range instr.Operands {
		n++ // flags byte
		n += operandValueWidth(operand)
	}
	return align4(n)
}

func operandValueWidth(o Operand) int {
	switch o.Kind {
	case OperandRegister:
		return 1
	case OperandRange:
		return 2
	case OperandImmFloat:
		if o.Size == SizeDWord {
			return 4
		}
		return 8
	default: // OperandImmInt
		switch o.Size {
		case SizeByte:
			return 1
		case SizeWord:
			return 2
		case SizeDWord:
			return 4
		default:
			return 8
		}
	}
}

func align4(n int) int {
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// Encode serializes instr into dst at byte offset 0, returning the number of
// bytes written. dst must be at least EncodedLength() bytes and addr (the
// instruction's intended load address) must be 4-byte aligned.
func (instr *Instruction) Encode(dst []byte, addr uint64) (int, error) {
	if addr%4 != 0 {
		return 0, errors.Errorf("instruction address %#x is not 4-byte aligned", addr)
	}
	if len(instr.Operands) > MaxOperands {
		return 0, errors.Errorf("instruction has %d operands, max is %d", len(instr.Operands), MaxOperands)
	}

	total := instr.EncodedLength()
	if len(dst) < total {
		return 0, errors.Errorf("encode buffer too small: need %d, have %d", total, len(dst))
	}

	dst[0] = byte(total)
	dst[1] = byte(instr.Op)
	dst[2] = sizeToBits(instr.Size)<<4 | byte(len(instr.Operands))

	off := 3
	for _, o := range instr.Operands {
		if o.Kind == OperandImmFloat && (o.Size < SizeDWord || o.Size == SizeNone) {
			return 0, errors.Errorf("float immediate requires size >= dword, got %s", o.Size)
		}

		flags := byte(0)
		switch o.Kind {
		case OperandRegister:
			flags |= operandFlagReg
		case OperandImmInt:
			flags |= operandFlagInteger
		case OperandImmFloat:
			// integer flag left unset marks a float immediate
		case OperandRange:
			flags |= operandFlagRange
		}
		if o.Negative {
			flags |= operandFlagNegative
		}
		sizeBits := sizeToBits(o.Size)
		flags |= (sizeBits & 0x1) << 6
		flags |= ((sizeBits >> 1) & 0x1) << 7
		dst[off] = flags
		off++

		switch o.Kind {
		case OperandRegister:
			dst[off] = byte(o.Value)
			off++
		case OperandRange:
			dst[off] = byte(o.Value)
			dst[off+1] = o.RangeEnd
			off += 2
		case OperandImmFloat:
			if o.Size == SizeDWord {
				binary.LittleEndian.PutUint32(dst[off:off+4], uint32(o.Value))
				off += 4
			} else {
				binary.LittleEndian.PutUint64(dst[off:off+8], o.Value)
				off += 8
			}
		default: // OperandImmInt
			w := operandValueWidth(o)
			switch w {
			case 1:
				dst[off] = byte(o.Value)
			case 2:
				binary.LittleEndian.PutUint16(dst[off:off+2], uint16(o.Value))
			case 4:
				binary.LittleEndian.PutUint32(dst[off:off+4], uint32(o.Value))
			default:
				binary.LittleEndian.PutUint64(dst[off:off+8], o.Value)
			}
			off += w
		}
	}

	for ; off < total; off++ {
		dst[off] = 0
	}

	return total, nil
}

// Decode parses one instruction from src at the given load address, returning
// the decoded instruction and the number of bytes consumed.
func Decode(src []byte, addr uint64) (*Instruction, int, error) {
	if addr%4 != 0 {
		return nil, 0, errors.Errorf("instruction address %#x is not 4-byte aligned", addr)
	}
	if len(src) < 3 {
		return nil, 0, errors.New("truncated instruction header")
	}

	total := int(src[0])
	op := Opcode(src[1])
	size := sizeFromBits(src[2] >> 4)
	count := int(src[2] & 0x0F)

	if count > MaxOperands {
		return nil, 0, errors.Errorf("decoded operand count %d exceeds max %d", count, MaxOperands)
	}
	if total > len(src) {
		return nil, 0, errors.Errorf("truncated instruction body: need %d bytes, have %d", total, len(src))
	}

	instr := &Instruction{Op: op, Size: size}
	if count > 0 {
		instr.Operands = make([]Operand, 0, count)
	}
	off := 3
	for i := 0; i < count; i++ {
		if off >= total {
			return nil, 0, errors.New("truncated operand record")
		}
		flags := src[off]
		off++

		sizeBits := (flags >> 6) & 0x1
		sizeBits |= ((flags >> 7) & 0x1) << 1
		operand := Operand{
			Negative: flags&operandFlagNegative != 0,
			Size:     sizeFromBits(sizeBits),
		}

		switch {
		case flags&operandFlagRange != 0:
			operand.Kind = OperandRange
			operand.Value = uint64(src[off])
			operand.RangeEnd = src[off+1]
			off += 2
		case flags&operandFlagReg != 0:
			operand.Kind = OperandRegister
			operand.Value = uint64(src[off])
			off++
		case flags&operandFlagInteger != 0:
			operand.Kind = OperandImmInt
			w := operandValueWidth(operand)
			v, err := readUint(src, off, w)
			if err != nil {
				return nil, 0, err
			}
			operand.Value = v
			off += w
		default:
			operand.Kind = OperandImmFloat
			if operand.Size < SizeDWord {
				return nil, 0, errors.Errorf("float immediate requires size >= dword, got %s", operand.Size)
			}
			w := 8
			if operand.Size == SizeDWord {
				w = 4
			}
			v, err := readUint(src, off, w)
			if err != nil {
				return nil, 0, err
			}
			operand.Value = v
			off += w
		}

		instr.Operands = append(instr.Operands, operand)
	}

	return instr, total, nil
}

func readUint(src []byte, off, width int) (uint64, error) {
	if off+width > len(src) {
		return 0, errors.New("truncated operand value")
	}
	switch width {
	case 1:
		return uint64(src[off]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(src[off : off+2])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(src[off : off+4])), nil
	default:
		return binary.LittleEndian.Uint64(src[off : off+8]), nil
	}
}

// ImmFloat64 builds a qword float immediate operand.
func ImmFloat64(v float64) Operand {
	return Operand{Kind: OperandImmFloat, Size: SizeQWord, Value: math.Float64bits(v)}
}

// ImmFloat32 builds a dword float immediate operand.
func ImmFloat32(v float32) Operand {
	return Operand{Kind: OperandImmFloat, Size: SizeDWord, Value: uint64(math.Float32bits(v))}
}

// ImmInt builds an integer immediate operand of the given size.
func ImmInt(v uint64, size OperandSize) Operand {
	return Operand{Kind: OperandImmInt, Size: size, Value: v}
}

// Reg builds a register operand.
func Reg(index int, size OperandSize) Operand {
	return Operand{Kind: OperandRegister, Size: size, Value: uint64(index)}
}

// ImmOffset builds the trailing offset operand accepted by the
// address-with-offset opcodes (load, store, move, moves, movez). negative
// selects subtraction: the opcode computes base - v rather than base + v.
func ImmOffset(v uint64, size OperandSize, negative bool) Operand {
	return Operand{Kind: OperandImmInt, Size: size, Value: v, Negative: negative}
}
