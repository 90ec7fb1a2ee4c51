package vm

/*
	Register-based ISA for the terp virtual machine.

	The machine has 64 integer registers (i0..i63), 64 float registers
	(f0..f63), and 5 special registers: pc, sp, fp, fr, sr. fr holds the
	condition flags (zero, carry, overflow, negative, extended, subtract)
	updated by arithmetic and compare instructions.

	Instructions are variable length and always a multiple of 4 bytes; see
	instruction.go for the wire encoding. Every opcode below operates at one
	of {byte, word, dword, qword} unless marked size-less.

	Current opcodes (<> required operand, [] optional operand):

		nop                         no operation

		move.sz <dest>, <src> [, offset]   copy src into dest, offset applied
		moves.sz <dest>, <src> [, offset]  move with sign extension from size-1
		movez.sz <dest>, <src> [, offset]  move with zero extension
		convert.sz <dest>, <src>    explicit int<->float cast
		clr.sz <dest>               zero dest, set zero flag unconditionally

		load.sz <dest>, [addr] [, offset]  dest = *(addr +/- offset)
		store.sz [addr], <src> [, offset]  *(addr +/- offset) = src
		copy.sz <dest>, <src>, <n>  memcpy n elements of size sz
		fill.sz <dest>, <val>, <n>  memset n elements of size sz

		alloc <dest>, <size>         dest = heap.alloc(size), traps on failure
		free <addr>                  heap.free(addr), zero flag = freed != 0
		size <dest>, <addr>          dest = heap.size(addr)

		push.sz <src>               push src, sp -= size
		pop.sz <dest>                pop into dest, sp += size
		pushm <reg...>               push a register list, in order
		popm <reg...>                pop a register list, reverse order
		dup                          duplicate top of stack
		swap                         exchange top two stack cells

		add.sz, sub.sz, mul.sz, div.sz, rem.sz <dest>, <lhs>, <rhs>
		pow.sz <dest>, <base>, <exp>
		neg.sz <dest>, <src>
		inc.sz, dec.sz <dest>

		not.sz <dest>, <src>
		and.sz, or.sz, xor.sz <dest>, <lhs>, <rhs>
		bis.sz <dest>, <mask>        dest |= mask
		bic.sz <dest>, <mask>        dest &= ^mask
		shl.sz, shr.sz <dest>, <src>, <amount>
		ror.sz, rol.sz <dest>, <src>, <amount>    bitwise rotate

		cmp.sz <lhs>, <rhs>          sets flags only
		test.sz <src>                equivalent to cmp src, #0
		tbz <src>, <bit>, <target>   branch if bit clear
		tbnz <src>, <bit>, <target>  branch if bit set

		beq, bne, ba, bae, bb, bbe, bg, bge, bl, ble,
		bcc, bcs, bo, bs <target>    conditional branch (see condition table)
		setz, setnz, sets, seto, setnbe, setna,
		setnle, setnl, setnge, setng <dest>   set dest to 0/1 (same conditions)
		jmp <target>                 unconditional branch
		jsr <target>                 push pc, jump to target
		rts                          pop pc

		swi <index>                  software interrupt via IVT
		trap <index>                 invoke registered trap callable
		ffi <addr> [, sig]           call a registered foreign function

		exit                         halt the interpreter loop
*/

// Opcode identifies the operation an instruction performs.
type Opcode byte

const (
	OpNop Opcode = iota

	OpMove
	OpMoves
	OpMovez
	OpConvert

	OpLoad
	OpStore
	OpCopy
	OpFill
	OpClr

	OpAlloc
	OpFree
	OpSize

	OpPush
	OpPop
	OpPushm
	OpPopm
	OpDup
	OpSwap

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpPow
	OpNeg
	OpInc
	OpDec

	OpNot
	OpAnd
	OpOr
	OpXor
	OpBis
	OpBic
	OpShl
	OpShr
	OpRor
	OpRol

	OpCmp
	OpTest
	OpTbz
	OpTbnz

	OpBeq
	OpBne
	OpBa
	OpBae
	OpBb
	OpBbe
	OpBg
	OpBge
	OpBl
	OpBle
	OpBcc
	OpBcs
	OpBo
	OpBs

	OpSetz
	OpSetnz
	OpSets
	OpSeto
	OpSetnbe
	OpSetna
	OpSetnle
	OpSetnl
	OpSetnge
	OpSetng

	OpJmp
	OpJsr
	OpRts

	OpSwi
	OpTrap
	OpFfi

	OpExit

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	OpNop:     "nop",
	OpMove:    "move",
	OpMoves:   "moves",
	OpMovez:   "movez",
	OpConvert: "convert",
	OpLoad:    "load",
	OpStore:   "store",
	OpCopy:    "copy",
	OpFill:    "fill",
	OpClr:     "clr",
	OpAlloc:   "alloc",
	OpFree:    "free",
	OpSize:    "size",
	OpPush:    "push",
	OpPop:     "pop",
	OpPushm:   "pushm",
	OpPopm:    "popm",
	OpDup:     "dup",
	OpSwap:    "swap",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpDiv:     "div",
	OpRem:     "rem",
	OpPow:     "pow",
	OpNeg:     "neg",
	OpInc:     "inc",
	OpDec:     "dec",
	OpNot:     "not",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
	OpBis:     "bis",
	OpBic:     "bic",
	OpShl:     "shl",
	OpShr:     "shr",
	OpRor:     "ror",
	OpRol:     "rol",
	OpCmp:     "cmp",
	OpTest:    "test",
	OpTbz:     "tbz",
	OpTbnz:    "tbnz",
	OpBeq:     "beq",
	OpBne:     "bne",
	OpBa:      "ba",
	OpBae:     "bae",
	OpBb:      "bb",
	OpBbe:     "bbe",
	OpBg:      "bg",
	OpBge:     "bge",
	OpBl:      "bl",
	OpBle:     "ble",
	OpBcc:     "bcc",
	OpBcs:     "bcs",
	OpBo:      "bo",
	OpBs:      "bs",
	OpSetz:    "setz",
	OpSetnz:   "setnz",
	OpSets:    "sets",
	OpSeto:    "seto",
	OpSetnbe:  "setnbe",
	OpSetna:   "setna",
	OpSetnle:  "setnle",
	OpSetnl:   "setnl",
	OpSetnge:  "setnge",
	OpSetng:   "setng",
	OpJmp:     "jmp",
	OpJsr:     "jsr",
	OpRts:     "rts",
	OpSwi:     "swi",
	OpTrap:    "trap",
	OpFfi:     "ffi",
	OpExit:    "exit",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return "unknown"
}

// IsConditionalBranch reports whether op is one of the flag-testing branch
// opcodes covered by the condition table in evalCondition.
func (op Opcode) IsConditionalBranch() bool {
	return op >= OpBeq && op <= OpBs
}

// IsSetcc reports whether op is one of the set-on-condition opcodes covered
// by the same condition table as the conditional branches.
func (op Opcode) IsSetcc() bool {
	return op >= OpSetz && op <= OpSetng
}

// condition names a flag condition independent of whether it's tested by a
// branch opcode or a setcc opcode — the same condition table in spec §4.5
// backs both opcode families.
type condition int

const (
	condEQ condition = iota
	condNE
	condS
	condO
	condCC
	condCS
	condA
	condBE
	condG
	condGE
	condL
	condLE
)

func evalConditionClass(c condition, r *RegisterFile) bool {
	z := r.FlagGet(FlagZero)
	carry := r.FlagGet(FlagCarry)
	n := r.FlagGet(FlagNegative)
	v := r.FlagGet(FlagOverflow)

	switch c {
	case condEQ:
		return z
	case condNE:
		return !z
	case condS:
		return n
	case condO:
		return v
	case condCC:
		return !carry
	case condCS:
		return carry
	case condA:
		return !carry && !z
	case condBE:
		return carry || z
	case condG:
		return !z && n == v
	case condGE:
		return n == v
	case condL:
		return n != v
	case condLE:
		return z || n != v
	default:
		return false
	}
}

// branchCondition maps each conditional-branch opcode to its condition
// class. OpBb and OpBae share OpBcs's C=1 test, per the condition table.
var branchCondition = map[Opcode]condition{
	OpBeq: condEQ,
	OpBne: condNE,
	OpBs:  condS,
	OpBo:  condO,
	OpBcc: condCC,
	OpBcs: condCS,
	OpBb:  condCS,
	OpBae: condCS,
	OpBa:  condA,
	OpBbe: condBE,
	OpBg:  condG,
	OpBge: condGE,
	OpBl:  condL,
	OpBle: condLE,
}

// setccCondition maps each set-on-condition opcode to the condition class it
// shares with its branch counterpart in the condition table.
var setccCondition = map[Opcode]condition{
	OpSetz:   condEQ,
	OpSetnz:  condNE,
	OpSets:   condS,
	OpSeto:   condO,
	OpSetnbe: condA,
	OpSetna:  condBE,
	OpSetnle: condG,
	OpSetnl:  condGE,
	OpSetnge: condL,
	OpSetng:  condLE,
}

// evalCondition implements the x86-style condition table: every branch reads
// the flags left by the preceding cmp or arithmetic instruction.
func evalCondition(op Opcode, r *RegisterFile) bool {
	return evalConditionClass(branchCondition[op], r)
}

// evalSetcc evaluates the condition backing a setcc opcode.
func evalSetcc(op Opcode, r *RegisterFile) bool {
	return evalConditionClass(setccCondition[op], r)
}
