package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		instr Instruction
	}{
		{"nop", Instruction{Op: OpNop, Size: SizeByte}},
		{"move imm", Instruction{Op: OpMove, Size: SizeQWord, Operands: []Operand{Reg(0, SizeQWord), ImmInt(42, SizeQWord)}}},
		{"add regs", Instruction{Op: OpAdd, Size: SizeDWord, Operands: []Operand{Reg(2, SizeDWord), Reg(0, SizeDWord), Reg(1, SizeDWord)}}},
		{"float imm f64", Instruction{Op: OpMove, Size: SizeQWord, Operands: []Operand{Reg(3, SizeQWord), ImmFloat64(3.5)}}},
		{"float imm f32", Instruction{Op: OpMove, Size: SizeDWord, Operands: []Operand{Reg(3, SizeDWord), ImmFloat32(3.5)}}},
		{"byte imm", Instruction{Op: OpMove, Size: SizeByte, Operands: []Operand{Reg(4, SizeByte), ImmInt(0xFE, SizeByte)}}},
		{"jmp immediate", Instruction{Op: OpJmp, Size: SizeQWord, Operands: []Operand{ImmInt(4096, SizeQWord)}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.instr.EncodedLength())
			n, err := tc.instr.Encode(buf, 1024)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if n%4 != 0 {
				t.Fatalf("encoded length %d is not a multiple of 4", n)
			}

			decoded, length, err := Decode(buf, 1024)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if length != n {
				t.Fatalf("decode length %d != encode length %d", length, n)
			}

			if diff := cmp.Diff(&tc.instr, decoded, cmpopts.IgnoreFields(Operand{}, "RefName", "RefOffset")); diff != "" {
				t.Fatalf("decode(encode(x)) != x (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRejectsMisalignedAddress(t *testing.T) {
	instr := Instruction{Op: OpNop}
	buf := make([]byte, instr.EncodedLength())
	if _, err := instr.Encode(buf, 3); err == nil {
		t.Fatal("expected encode at a non-4-byte-aligned address to fail")
	}
}

func TestEncodeRejectsByteSizedFloat(t *testing.T) {
	instr := Instruction{Op: OpMove, Size: SizeByte, Operands: []Operand{
		Reg(0, SizeByte),
		{Kind: OperandImmFloat, Size: SizeByte, Value: 0},
	}}
	buf := make([]byte, 64)
	if _, err := instr.Encode(buf, 0); err == nil {
		t.Fatal("expected encode of a byte-sized float immediate to fail")
	}
}

func TestSignAndZeroExtend(t *testing.T) {
	// top bit of the byte-1 view set: sign-extend must go negative, zero-extend must not.
	y := uint64(0x80)
	if int64(SignExtend(y, SizeByte)) >= 0 {
		t.Fatalf("expected SignExtend(0x80, byte) to be negative, got %#x", SignExtend(y, SizeByte))
	}
	if int64(ZeroExtend(y, SizeByte)) <= 0 {
		t.Fatalf("expected ZeroExtend(0x80, byte) to be positive, got %#x", ZeroExtend(y, SizeByte))
	}
}
