package vm

// EntryKind discriminates the sum type stored in a basic block.
type EntryKind int

const (
	EntryInstruction EntryKind = iota
	EntryData
	EntryLabel
	EntryLocal
	EntryAlign
	EntrySection
	EntryComment
	EntryBlankLine
	EntryMeta
	EntryReset
	EntryFrameOffset
	EntryProgramEnd
)

// DataKind distinguishes initialized from uninitialized data definitions.
type DataKind int

const (
	DataInitialized DataKind = iota
	DataUninitialized
)

// DataValue is one element of an initialized data definition: either a raw
// value or a named reference with an offset applied at resolve time.
type DataValue struct {
	Uint     uint64
	Float    float64
	IsFloat  bool
	RefName  string
	RefOffset int64
	HasRef   bool
}

// DataDefinition backs an EntryData block entry.
type DataDefinition struct {
	ElementSize OperandSize
	Kind        DataKind
	Values      []DataValue // for DataInitialized
	Count       uint64      // for DataUninitialized
}

// blockEntry is one append-only item in a basic block; entry.address is
// populated by Assembler.ApplyAddresses.
type blockEntry struct {
	kind    EntryKind
	address uint64

	instr   *Instruction
	data    *DataDefinition
	label   string
	local   string
	align   uint64
	section string
	comment string
	meta    map[string]string
}

// BlockType distinguishes an ordinary basic block from a procedure block
// (used by the assembler's block-stack scoping).
type BlockType int

const (
	BlockOrdinary BlockType = iota
	BlockProcedure
)

// BasicBlock is an ordered, append-only sequence of block entries. Labels and
// locals resident in the block are indexed by name for O(1) lookup. The
// successors/predecessors fields are declared but nothing in this package
// fills them: resolving labels does not record CFG edges.
type BasicBlock struct {
	ID             int
	Type           BlockType
	entries        []blockEntry
	insertionPoint int // -1 means append
	locals         map[string]int
	labels         map[string]int
	successors     []*BasicBlock
	predecessors   []*BasicBlock
}

func newBasicBlock(id int, t BlockType) *BasicBlock {
	return &BasicBlock{
		ID:             id,
		Type:           t,
		insertionPoint: -1,
		locals:         make(map[string]int),
		labels:         make(map[string]int),
	}
}

// append inserts entry either at the end or at the current insertion point,
// per spec §4.6's "insertion point discipline": once set, subsequent appends
// splice at the point and bump it forward.
func (b *BasicBlock) append(e blockEntry) int {
	if b.insertionPoint < 0 {
		b.entries = append(b.entries, e)
		return len(b.entries) - 1
	}

	idx := b.insertionPoint
	b.entries = append(b.entries, blockEntry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = e
	b.insertionPoint++
	return idx
}

// SetInsertionPoint directs subsequent appends to splice at index k rather
// than appending at the end.
func (b *BasicBlock) SetInsertionPoint(k int) { b.insertionPoint = k }

// ClearInsertionPoint returns the block to append-only mode.
func (b *BasicBlock) ClearInsertionPoint() { b.insertionPoint = -1 }

// Entries exposes the block's entries for the assembler's passes.
func (b *BasicBlock) Entries() []blockEntry { return b.entries }

// Label appends a label entry and records its resident entry index.
func (b *BasicBlock) Label(name string) {
	idx := b.append(blockEntry{kind: EntryLabel, label: name})
	b.labels[name] = idx
}

// Local reserves a named stack-frame slot, resolved by the assembler's
// named-ref pass (kind == local).
func (b *BasicBlock) Local(name string) {
	idx := b.append(blockEntry{kind: EntryLocal, local: name})
	b.locals[name] = idx
}

func (b *BasicBlock) Comment(text string) {
	b.append(blockEntry{kind: EntryComment, comment: text})
}

func (b *BasicBlock) BlankLine() {
	b.append(blockEntry{kind: EntryBlankLine})
}

func (b *BasicBlock) Align(n uint64) {
	b.append(blockEntry{kind: EntryAlign, align: n})
}

func (b *BasicBlock) Section(name string) {
	b.append(blockEntry{kind: EntrySection, section: name})
}

func (b *BasicBlock) Meta(kv map[string]string) {
	b.append(blockEntry{kind: EntryMeta, meta: kv})
}

func (b *BasicBlock) Reset() {
	b.append(blockEntry{kind: EntryReset})
}

func (b *BasicBlock) ProgramEnd() {
	b.append(blockEntry{kind: EntryProgramEnd})
}

func (b *BasicBlock) DataInit(elemSize OperandSize, values ...DataValue) {
	b.append(blockEntry{kind: EntryData, data: &DataDefinition{ElementSize: elemSize, Kind: DataInitialized, Values: values}})
}

func (b *BasicBlock) DataUninit(elemSize OperandSize, count uint64) {
	b.append(blockEntry{kind: EntryData, data: &DataDefinition{ElementSize: elemSize, Kind: DataUninitialized, Count: count}})
}

func (b *BasicBlock) emit(instr *Instruction) {
	b.append(blockEntry{kind: EntryInstruction, instr: instr})
}

// --- one builder method per opcode (spec §4.6 / §6) -------------------------

func (b *BasicBlock) Nop() { b.emit(&Instruction{Op: OpNop}) }

// Move, Moves, and Movez accept an optional trailing offset operand, applied
// to src as src +/- offset before the (sign/zero-extending) write to dest.
func (b *BasicBlock) Move(size OperandSize, dest, src Operand, offset ...Operand) {
	b.emit(&Instruction{Op: OpMove, Size: size, Operands: withOffset(dest, src, offset)})
}

func (b *BasicBlock) Moves(size OperandSize, dest, src Operand, offset ...Operand) {
	b.emit(&Instruction{Op: OpMoves, Size: size, Operands: withOffset(dest, src, offset)})
}

func (b *BasicBlock) Movez(size OperandSize, dest, src Operand, offset ...Operand) {
	b.emit(&Instruction{Op: OpMovez, Size: size, Operands: withOffset(dest, src, offset)})
}

func (b *BasicBlock) Convert(size OperandSize, dest, src Operand) {
	b.emit(&Instruction{Op: OpConvert, Size: size, Operands: []Operand{dest, src}})
}

// Load emits dest = *(addr +/- offset). offset is optional: the effective
// address is addr alone when omitted, per the address-with-offset opcodes
// in spec §4.5.
func (b *BasicBlock) Load(size OperandSize, dest, addr Operand, offset ...Operand) {
	b.emit(&Instruction{Op: OpLoad, Size: size, Operands: withOffset(dest, addr, offset)})
}

// Store emits *(addr +/- offset) = src. offset is optional, as in Load.
func (b *BasicBlock) Store(size OperandSize, addr, src Operand, offset ...Operand) {
	b.emit(&Instruction{Op: OpStore, Size: size, Operands: withOffset(addr, src, offset)})
}

// withOffset builds the two-or-three operand slice shared by the
// address-with-offset opcode builders.
func withOffset(a, b Operand, offset []Operand) []Operand {
	ops := []Operand{a, b}
	if len(offset) > 0 {
		ops = append(ops, offset[0])
	}
	return ops
}

func (b *BasicBlock) Copy(size OperandSize, dest, src, count Operand) {
	b.emit(&Instruction{Op: OpCopy, Size: size, Operands: []Operand{dest, src, count}})
}

func (b *BasicBlock) Fill(size OperandSize, dest, val, count Operand) {
	b.emit(&Instruction{Op: OpFill, Size: size, Operands: []Operand{dest, val, count}})
}

// Clr zeroes dest and unconditionally sets the zero flag, clearing
// carry/overflow/subtract/negative.
func (b *BasicBlock) Clr(size OperandSize, dest Operand) {
	b.emit(&Instruction{Op: OpClr, Size: size, Operands: []Operand{dest}})
}

// Alloc requests n bytes from the heap allocator; dest receives the
// resulting address, or the allocation traps on out-of-memory.
func (b *BasicBlock) Alloc(dest, n Operand) {
	b.emit(&Instruction{Op: OpAlloc, Size: SizeQWord, Operands: []Operand{dest, n}})
}

// Free releases the block at addr; the zero flag reports whether anything
// was actually freed.
func (b *BasicBlock) Free(addr Operand) {
	b.emit(&Instruction{Op: OpFree, Operands: []Operand{addr}})
}

// Size looks up the allocated block size at addr into dest (0 if unknown).
func (b *BasicBlock) Size(dest, addr Operand) {
	b.emit(&Instruction{Op: OpSize, Size: SizeQWord, Operands: []Operand{dest, addr}})
}

func (b *BasicBlock) Push(size OperandSize, src Operand) {
	b.emit(&Instruction{Op: OpPush, Size: size, Operands: []Operand{src}})
}

func (b *BasicBlock) Pop(size OperandSize, dest Operand) {
	b.emit(&Instruction{Op: OpPop, Size: size, Operands: []Operand{dest}})
}

func (b *BasicBlock) Pushm(size OperandSize, regs ...Operand) {
	b.emit(&Instruction{Op: OpPushm, Size: size, Operands: regs})
}

func (b *BasicBlock) Popm(size OperandSize, regs ...Operand) {
	b.emit(&Instruction{Op: OpPopm, Size: size, Operands: regs})
}

func (b *BasicBlock) Dup(size OperandSize)  { b.emit(&Instruction{Op: OpDup, Size: size}) }
func (b *BasicBlock) Swap(size OperandSize) { b.emit(&Instruction{Op: OpSwap, Size: size}) }

func (b *BasicBlock) Add(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpAdd, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Sub(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpSub, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Mul(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpMul, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Div(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpDiv, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Rem(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpRem, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Pow(size OperandSize, dest, base, exp Operand) {
	b.emit(&Instruction{Op: OpPow, Size: size, Operands: []Operand{dest, base, exp}})
}

func (b *BasicBlock) Neg(size OperandSize, dest, src Operand) {
	b.emit(&Instruction{Op: OpNeg, Size: size, Operands: []Operand{dest, src}})
}

func (b *BasicBlock) Inc(size OperandSize, dest Operand) {
	b.emit(&Instruction{Op: OpInc, Size: size, Operands: []Operand{dest}})
}

func (b *BasicBlock) Dec(size OperandSize, dest Operand) {
	b.emit(&Instruction{Op: OpDec, Size: size, Operands: []Operand{dest}})
}

func (b *BasicBlock) Not(size OperandSize, dest, src Operand) {
	b.emit(&Instruction{Op: OpNot, Size: size, Operands: []Operand{dest, src}})
}

func (b *BasicBlock) And(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpAnd, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Or(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpOr, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Xor(size OperandSize, dest, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpXor, Size: size, Operands: []Operand{dest, lhs, rhs}})
}

func (b *BasicBlock) Bis(size OperandSize, dest, mask Operand) {
	b.emit(&Instruction{Op: OpBis, Size: size, Operands: []Operand{dest, mask}})
}

func (b *BasicBlock) Bic(size OperandSize, dest, mask Operand) {
	b.emit(&Instruction{Op: OpBic, Size: size, Operands: []Operand{dest, mask}})
}

func (b *BasicBlock) Shl(size OperandSize, dest, src, amount Operand) {
	b.emit(&Instruction{Op: OpShl, Size: size, Operands: []Operand{dest, src, amount}})
}

func (b *BasicBlock) Shr(size OperandSize, dest, src, amount Operand) {
	b.emit(&Instruction{Op: OpShr, Size: size, Operands: []Operand{dest, src, amount}})
}

func (b *BasicBlock) Ror(size OperandSize, dest, src, amount Operand) {
	b.emit(&Instruction{Op: OpRor, Size: size, Operands: []Operand{dest, src, amount}})
}

func (b *BasicBlock) Rol(size OperandSize, dest, src, amount Operand) {
	b.emit(&Instruction{Op: OpRol, Size: size, Operands: []Operand{dest, src, amount}})
}

func (b *BasicBlock) Cmp(size OperandSize, lhs, rhs Operand) {
	b.emit(&Instruction{Op: OpCmp, Size: size, Operands: []Operand{lhs, rhs}})
}

func (b *BasicBlock) Test(size OperandSize, src Operand) {
	b.emit(&Instruction{Op: OpTest, Size: size, Operands: []Operand{src}})
}

func (b *BasicBlock) Tbz(src, bit, target Operand) {
	b.emit(&Instruction{Op: OpTbz, Operands: []Operand{src, bit, target}})
}

func (b *BasicBlock) Tbnz(src, bit, target Operand) {
	b.emit(&Instruction{Op: OpTbnz, Operands: []Operand{src, bit, target}})
}

func (b *BasicBlock) branch(op Opcode, target Operand) {
	b.emit(&Instruction{Op: op, Operands: []Operand{target}})
}

func (b *BasicBlock) Beq(target Operand) { b.branch(OpBeq, target) }
func (b *BasicBlock) Bne(target Operand) { b.branch(OpBne, target) }
func (b *BasicBlock) Ba(target Operand)  { b.branch(OpBa, target) }
func (b *BasicBlock) Bae(target Operand) { b.branch(OpBae, target) }
func (b *BasicBlock) Bb(target Operand)  { b.branch(OpBb, target) }
func (b *BasicBlock) Bbe(target Operand) { b.branch(OpBbe, target) }
func (b *BasicBlock) Bg(target Operand)  { b.branch(OpBg, target) }
func (b *BasicBlock) Bge(target Operand) { b.branch(OpBge, target) }
func (b *BasicBlock) Bl(target Operand)  { b.branch(OpBl, target) }
func (b *BasicBlock) Ble(target Operand) { b.branch(OpBle, target) }
func (b *BasicBlock) Bcc(target Operand) { b.branch(OpBcc, target) }
func (b *BasicBlock) Bcs(target Operand) { b.branch(OpBcs, target) }
func (b *BasicBlock) Bo(target Operand)  { b.branch(OpBo, target) }
func (b *BasicBlock) Bs(target Operand)  { b.branch(OpBs, target) }

func (b *BasicBlock) setcc(op Opcode, size OperandSize, dest Operand) {
	b.emit(&Instruction{Op: op, Size: size, Operands: []Operand{dest}})
}

// Setz, Setnz, ... set dest to 0 or 1 per the condition table's flag test,
// sharing a condition with the like-named branch opcode above.
func (b *BasicBlock) Setz(size OperandSize, dest Operand)   { b.setcc(OpSetz, size, dest) }
func (b *BasicBlock) Setnz(size OperandSize, dest Operand)  { b.setcc(OpSetnz, size, dest) }
func (b *BasicBlock) Sets(size OperandSize, dest Operand)   { b.setcc(OpSets, size, dest) }
func (b *BasicBlock) Seto(size OperandSize, dest Operand)   { b.setcc(OpSeto, size, dest) }
func (b *BasicBlock) Setnbe(size OperandSize, dest Operand) { b.setcc(OpSetnbe, size, dest) }
func (b *BasicBlock) Setna(size OperandSize, dest Operand)  { b.setcc(OpSetna, size, dest) }
func (b *BasicBlock) Setnle(size OperandSize, dest Operand) { b.setcc(OpSetnle, size, dest) }
func (b *BasicBlock) Setnl(size OperandSize, dest Operand)  { b.setcc(OpSetnl, size, dest) }
func (b *BasicBlock) Setnge(size OperandSize, dest Operand) { b.setcc(OpSetnge, size, dest) }
func (b *BasicBlock) Setng(size OperandSize, dest Operand)  { b.setcc(OpSetng, size, dest) }

func (b *BasicBlock) Jmp(target Operand) { b.emit(&Instruction{Op: OpJmp, Operands: []Operand{target}}) }
func (b *BasicBlock) Jsr(target Operand) { b.emit(&Instruction{Op: OpJsr, Operands: []Operand{target}}) }
func (b *BasicBlock) Rts()               { b.emit(&Instruction{Op: OpRts}) }

func (b *BasicBlock) Swi(index Operand)            { b.emit(&Instruction{Op: OpSwi, Operands: []Operand{index}}) }
func (b *BasicBlock) Trap(index Operand)           { b.emit(&Instruction{Op: OpTrap, Operands: []Operand{index}}) }
func (b *BasicBlock) Ffi(addr Operand, sig Operand) {
	b.emit(&Instruction{Op: OpFfi, Operands: []Operand{addr, sig}})
}

func (b *BasicBlock) Exit() { b.emit(&Instruction{Op: OpExit}) }

// LabelRef builds an operand carrying a deferred fixup to a named label,
// local, or offset reference. The front-end uses this wherever a target
// address isn't known yet (e.g. a forward jmp); Assembler.ResolveNamedRefs
// patches Value in before Assemble emits bytes.
func LabelRef(name string) Operand {
	return Operand{Kind: OperandImmInt, Size: SizeQWord, RefName: name}
}

// JmpLabel, JsrLabel, and the conditional-branch *Label helpers are sugar for
// the corresponding opcode builder called with a LabelRef operand, matching
// the common case where the front-end only ever has a name, not an address.
func (b *BasicBlock) JmpLabel(name string) { b.Jmp(LabelRef(name)) }
func (b *BasicBlock) JsrLabel(name string) { b.Jsr(LabelRef(name)) }
func (b *BasicBlock) BeqLabel(name string) { b.Beq(LabelRef(name)) }
func (b *BasicBlock) BneLabel(name string) { b.Bne(LabelRef(name)) }
