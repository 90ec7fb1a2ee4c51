package vm

import (
	"github.com/pkg/errors"
)

// SegmentType names the well-known segment buckets from spec §4.6.
type SegmentType int

const (
	SegmentBSS SegmentType = iota
	SegmentROData
	SegmentData
	SegmentText
)

// SymbolType names the declared type of a segment symbol.
type SymbolType int

const (
	SymbolU8 SymbolType = iota
	SymbolU16
	SymbolU32
	SymbolU64
	SymbolF32
	SymbolF64
	SymbolBytes
)

// Symbol is one named, typed value living at an offset within a segment.
type Symbol struct {
	Name   string
	Type   SymbolType
	Offset uint64
}

// Segment is a named, typed bucket (bss/ro_data/data/text) with its own
// symbol table, populated by the front-end and consulted when resolving
// data labels.
type Segment struct {
	Name    string
	Type    SegmentType
	Symbols map[string]*Symbol
}

func newSegment(name string, t SegmentType) *Segment {
	return &Segment{Name: name, Type: t, Symbols: make(map[string]*Symbol)}
}

// refKind distinguishes what a named reference ultimately resolves to.
type refKind int

const (
	refLabel refKind = iota
	refLocal
	refOffset
)

// namedRef is the assembler's bookkeeping for one deferred fixup: its
// resolution kind and size, and the resolved value once known. Operands
// waiting on it are found by name when ResolveNamedRefs walks the blocks.
type namedRef struct {
	name     string
	size     OperandSize
	kind     refKind
	resolved bool
	value    uint64
}

// Assembler owns the vector of basic blocks and the label/named-ref tables
// that the two-pass pipeline resolves before Assemble emits bytes into the
// heap. It is the assembler's job alone to mutate blocks, labels, and refs;
// the interpreter only ever reads the emitted heap.
type Assembler struct {
	heap *Heap

	blocks   []*BasicBlock
	blockSeq int

	labels map[string]*BasicBlock // label name -> resident block
	refs   map[string]*namedRef

	segments map[string]*Segment

	blockStack []*BasicBlock
}

// NewAssembler constructs an assembler that will emit into heap.
func NewAssembler(heap *Heap) *Assembler {
	return &Assembler{
		heap:     heap,
		labels:   make(map[string]*BasicBlock),
		refs:     make(map[string]*namedRef),
		segments: make(map[string]*Segment),
	}
}

// MakeBasicBlock creates and registers a new ordinary block.
func (a *Assembler) MakeBasicBlock() *BasicBlock {
	b := newBasicBlock(a.blockSeq, BlockOrdinary)
	a.blockSeq++
	a.blocks = append(a.blocks, b)
	return b
}

// MakeProcedureBlock creates and registers a new procedure-scoped block.
func (a *Assembler) MakeProcedureBlock() *BasicBlock {
	b := newBasicBlock(a.blockSeq, BlockProcedure)
	a.blockSeq++
	a.blocks = append(a.blocks, b)
	return b
}

// PushBlock scopes block as the current block (front-end helper for nested
// constructs like procedure bodies).
func (a *Assembler) PushBlock(block *BasicBlock) {
	a.blockStack = append(a.blockStack, block)
}

// PopBlock unscopes and returns the current block, or nil if the stack is empty.
func (a *Assembler) PopBlock() *BasicBlock {
	if len(a.blockStack) == 0 {
		return nil
	}
	top := a.blockStack[len(a.blockStack)-1]
	a.blockStack = a.blockStack[:len(a.blockStack)-1]
	return top
}

// CurrentBlock returns the block on top of the block stack, or nil.
func (a *Assembler) CurrentBlock() *BasicBlock {
	if len(a.blockStack) == 0 {
		return nil
	}
	return a.blockStack[len(a.blockStack)-1]
}

// InProcedureScope reports whether any block on the stack is a procedure block.
func (a *Assembler) InProcedureScope() bool {
	for _, b := range a.blockStack {
		if b.Type == BlockProcedure {
			return true
		}
	}
	return false
}

// Blocks returns every block registered with the assembler, in creation order.
func (a *Assembler) Blocks() []*BasicBlock { return a.blocks }

// MakeLabel declares name as resolving to whatever block currently owns it
// (the block that calls BasicBlock.Label).
func (a *Assembler) MakeLabel(name string, owner *BasicBlock) {
	a.labels[name] = owner
}

// FindLabel returns the block in which name was declared, or nil.
func (a *Assembler) FindLabel(name string) *BasicBlock {
	return a.labels[name]
}

// Label declares name as a label resident in block, at block's current
// append position, and registers it in the assembler's central label table —
// the convenience wiring of BasicBlock.Label (local bookkeeping) plus
// Assembler.MakeLabel (global registry) that most front-ends want together.
func (a *Assembler) Label(block *BasicBlock, name string) {
	block.Label(name)
	a.MakeLabel(name, block)
}

// MakeNamedRef registers a deferred fixup of the given kind/size.
func (a *Assembler) MakeNamedRef(name string, size OperandSize, kind refKind) {
	if _, ok := a.refs[name]; ok {
		return
	}
	a.refs[name] = &namedRef{name: name, size: size, kind: kind}
}

// Segment returns (creating if necessary) the named segment of the given type.
func (a *Assembler) Segment(name string, t SegmentType) *Segment {
	if s, ok := a.segments[name]; ok {
		return s
	}
	s := newSegment(name, t)
	a.segments[name] = s
	return s
}

// --- pipeline ---------------------------------------------------------------

// contribution returns how many bytes entry e advances the location counter,
// per spec §4.6 step 2. For an align entry it returns the alignment itself;
// ApplyAddresses does not call it for align entries and rounds the counter
// up to that alignment instead.
func (e *blockEntry) contribution() uint64 {
	switch e.kind {
	case EntryInstruction:
		return uint64(e.instr.EncodedLength())
	case EntryData:
		if e.data.Kind == DataUninitialized {
			return uint64(e.data.ElementSize) * e.data.Count
		}
		return uint64(e.data.ElementSize) * uint64(len(e.data.Values))
	case EntryAlign:
		return e.align
	default:
		return 0
	}
}

// ApplyAddresses walks every block in registration order, assigning each
// entry's address from a running location counter that starts at
// ProgramStart, per spec §4.6 step 2.
func (a *Assembler) ApplyAddresses(bag *DiagnosticBag) bool {
	counter := uint64(ProgramStart)
	for _, block := range a.blocks {
		for ei := range block.entries {
			e := &block.entries[ei]
			if e.kind == EntryAlign {
				if rem := counter % e.align; rem != 0 {
					counter += e.align - rem
				}
				e.address = counter
				continue
			}
			e.address = counter
			counter += e.contribution()
		}
	}
	return bag.OK()
}

// findLabelAddress looks up the block that declared label name and returns
// the address assigned to the label's entry, or false if it is unknown.
func (a *Assembler) findLabelAddress(name string) (uint64, bool) {
	block, ok := a.labels[name]
	if !ok {
		return 0, false
	}
	idx, ok := block.labels[name]
	if !ok {
		return 0, false
	}
	return block.entries[idx].address, true
}

func (a *Assembler) findLocalAddress(name string) (uint64, bool) {
	for _, block := range a.blocks {
		if idx, ok := block.locals[name]; ok {
			return block.entries[idx].address, true
		}
	}
	return 0, false
}

// ResolveNamedRefs resolves every registered named ref to a concrete address
// and patches it into every operand carrying that ref, per spec §4.6 step 3.
// A ref without a resolved target is a fatal diagnostic (A003).
func (a *Assembler) ResolveNamedRefs(bag *DiagnosticBag) bool {
	// Any operand carrying a RefName that wasn't pre-declared via MakeNamedRef
	// (the common case for a plain jmp/jsr/b* to a label) is assumed to be a
	// label reference — the only kind the BasicBlock builder methods produce.
	for _, block := range a.blocks {
		for ei := range block.entries {
			e := &block.entries[ei]
			if e.kind != EntryInstruction {
				continue
			}
			for _, o := range e.instr.Operands {
				if o.RefName != "" {
					a.MakeNamedRef(o.RefName, o.Size, refLabel)
				}
			}
		}
	}

	for name, ref := range a.refs {
		var (
			addr uint64
			ok   bool
		)
		switch ref.kind {
		case refLabel:
			addr, ok = a.findLabelAddress(name)
		case refLocal:
			addr, ok = a.findLocalAddress(name)
		case refOffset:
			addr, ok = ref.value, true
		}
		if !ok {
			bag.Add(Diagnostic{Code: DiagUnresolvedLabel, Message: "unresolved named reference: " + name})
			continue
		}
		ref.resolved = true
		ref.value = addr
	}

	for _, block := range a.blocks {
		for ei := range block.entries {
			e := &block.entries[ei]
			if e.kind == EntryInstruction {
				a.resolveInstructionOperands(e.instr, bag)
			}
		}
	}

	return bag.OK()
}

func (a *Assembler) resolveInstructionOperands(instr *Instruction, bag *DiagnosticBag) {
	for i := range instr.Operands {
		o := &instr.Operands[i]
		if !o.IsUnresolved() {
			continue
		}
		ref, ok := a.refs[o.RefName]
		if !ok {
			bag.Add(Diagnostic{Code: DiagUnresolvedLabel, Message: "unresolved named reference: " + o.RefName})
			continue
		}
		if !ref.resolved {
			// already reported once for the ref itself in ResolveNamedRefs
			continue
		}
		o.Value = uint64(int64(ref.value) + o.RefOffset)
		o.RefName = ""
	}
}

// Assemble walks every block a second time, writing instructions and
// initialized data into the heap at each entry's assigned address.
// Uninitialized data is left zero, per spec §4.6 step 4.
func (a *Assembler) Assemble(bag *DiagnosticBag) bool {
	for _, block := range a.blocks {
		for _, e := range block.entries {
			switch e.kind {
			case EntryInstruction:
				if err := a.emitInstruction(e.instr, e.address); err != nil {
					bag.Add(Diagnostic{Code: DiagUnencodableImm, Message: err.Error()})
				}
			case EntryData:
				if e.data.Kind == DataInitialized {
					if err := a.emitData(e.data, e.address); err != nil {
						bag.Add(Diagnostic{Code: DiagUnencodableImm, Message: err.Error()})
					}
				}
			}
		}
	}
	return bag.OK()
}

func (a *Assembler) emitInstruction(instr *Instruction, addr uint64) error {
	buf := make([]byte, instr.EncodedLength())
	n, err := instr.Encode(buf, addr)
	if err != nil {
		return errors.Wrapf(err, "encoding instruction at %#x", addr)
	}
	off, err := a.heap.offset(addr)
	if err != nil {
		return err
	}
	copy(a.heap.bytes[off:off+n], buf[:n])
	return nil
}

func (a *Assembler) emitData(d *DataDefinition, addr uint64) error {
	for i, v := range d.Values {
		elemAddr := addr + uint64(i)*uint64(d.ElementSize)
		var raw uint64
		if v.IsFloat {
			raw = floatBitsForSize(v.Float, d.ElementSize)
		} else if v.HasRef {
			ref, ok := a.refs[v.RefName]
			if !ok || !ref.resolved {
				return errors.Errorf("unresolved data reference %q at %#x", v.RefName, elemAddr)
			}
			raw = uint64(int64(ref.value) + v.RefOffset)
		} else {
			raw = v.Uint
		}
		if err := a.heap.Write(elemAddr, d.ElementSize, raw); err != nil {
			return err
		}
	}
	return nil
}

func floatBitsForSize(f float64, size OperandSize) uint64 {
	if size == SizeDWord {
		return uint64(ImmFloat32(float32(f)).Value)
	}
	return ImmFloat64(f).Value
}
