package vm

import (
	"errors"
	"testing"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	return New(Options{HeapSize: 4096, StackSize: 512})
}

func assembleAndRun(t *testing.T, v *VM, build func(b *BasicBlock)) {
	t.Helper()
	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()
	build(blk)

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}

	if err := v.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestArithmeticSetsOverflowAndNegativeFlags(t *testing.T) {
	v := newTestVM(t)
	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Move(SizeQWord, Reg(0, SizeQWord), ImmInt(0x7FFFFFFFFFFFFFFF, SizeQWord))
		b.Move(SizeQWord, Reg(1, SizeQWord), ImmInt(1, SizeQWord))
		b.Add(SizeQWord, Reg(2, SizeQWord), Reg(0, SizeQWord), Reg(1, SizeQWord))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(2, SizeQWord) == 0x8000000000000000,
		"expected i2 == 0x8000000000000000, got %#x", v.Registers.ReadInt(2, SizeQWord))
	assert(t, v.Registers.FlagGet(FlagOverflow), "expected overflow flag set")
	assert(t, v.Registers.FlagGet(FlagNegative), "expected negative flag set")
	assert(t, !v.Registers.FlagGet(FlagZero), "expected zero flag clear")
	assert(t, !v.Registers.FlagGet(FlagCarry), "expected carry flag clear")
}

func TestBranchOnCompareEquality(t *testing.T) {
	v := newTestVM(t)
	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()

	blk.Move(SizeByte, Reg(0, SizeByte), ImmInt(5, SizeByte))
	blk.Move(SizeByte, Reg(1, SizeByte), ImmInt(5, SizeByte))
	blk.Cmp(SizeByte, Reg(0, SizeByte), Reg(1, SizeByte))
	blk.BeqLabel("eq")
	blk.Move(SizeByte, Reg(2, SizeByte), ImmInt(0, SizeByte))
	blk.Exit()
	asm.Label(blk, "eq")
	blk.Move(SizeByte, Reg(2, SizeByte), ImmInt(1, SizeByte))
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}
	if err := v.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	assert(t, v.Registers.ReadInt(2, SizeByte) == 1, "expected beq to take the branch, got i2=%d", v.Registers.ReadInt(2, SizeByte))
}

func TestJsrRtsBalancesStack(t *testing.T) {
	v := newTestVM(t)
	initialSP := v.Registers.Special(RegSP)

	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()
	blk.JsrLabel("sub")
	blk.Exit()
	asm.Label(blk, "sub")
	blk.Move(SizeQWord, Reg(0, SizeQWord), ImmInt(0x42, SizeQWord))
	blk.Rts()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}
	if err := v.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	assert(t, v.Registers.ReadInt(0, SizeQWord) == 0x42, "expected i0 == 0x42, got %#x", v.Registers.ReadInt(0, SizeQWord))
	assert(t, v.Registers.Special(RegSP) == initialSP, "expected stack balanced after jsr/rts, sp=%#x want %#x", v.Registers.Special(RegSP), initialSP)
}

func TestLoadStoreRoundTripWithinBounds(t *testing.T) {
	v := newTestVM(t)
	p := v.Heap.Alloc(16)
	assert(t, p != 0, "expected alloc to succeed")

	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Store(SizeQWord, ImmInt(p, SizeQWord), ImmInt(0xDEADBEEFCAFEBABE, SizeQWord))
		b.Load(SizeQWord, Reg(0, SizeQWord), ImmInt(p, SizeQWord))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(0, SizeQWord) == 0xDEADBEEFCAFEBABE,
		"expected round-tripped value, got %#x", v.Registers.ReadInt(0, SizeQWord))
}

// TestLoadOutOfBoundsTrapsInvalidAddress exercises end-to-end scenario 5:
// allocate, round-trip a store/load, free, then load at addr-1 via real
// instruction-level offset addressing (not a precomputed Go address) and
// confirm the registered trap_invalid_address handler fires before the run
// loop stops.
func TestLoadOutOfBoundsTrapsInvalidAddress(t *testing.T) {
	v := newTestVM(t)
	p := v.Heap.Alloc(16)
	assert(t, p != 0, "expected alloc to succeed")

	handlerFired := false
	v.RegisterTrap(TrapInvalidAddress, func(v *VM) error {
		handlerFired = true
		return nil
	})

	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()
	blk.Store(SizeQWord, ImmInt(p, SizeQWord), ImmInt(0xDEADBEEFCAFEBABE, SizeQWord))
	blk.Load(SizeQWord, Reg(0, SizeQWord), ImmInt(p, SizeQWord))
	blk.Free(ImmInt(p, SizeQWord))
	// load.qw i1, [p - 1]: the offset operand's negative flag subtracts
	// rather than the base address's own (nonexistent) sign.
	blk.Load(SizeQWord, Reg(1, SizeQWord), ImmInt(p, SizeQWord), ImmOffset(1, SizeQWord, true))
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}

	err := v.Run()
	assert(t, v.Registers.ReadInt(0, SizeQWord) == 0xDEADBEEFCAFEBABE,
		"expected round-tripped value, got %#x", v.Registers.ReadInt(0, SizeQWord))
	assert(t, err != nil, "expected an out-of-bounds load to fail")
	assert(t, errors.Is(err, errInvalidAddress), "expected errInvalidAddress, got %v", err)
	assert(t, handlerFired, "expected the registered trap_invalid_address handler to run")
	assert(t, !v.HasExited(), "a trapped run must not report normal exit")
}

func TestDivisionByZeroTraps(t *testing.T) {
	v := newTestVM(t)

	handlerFired := false
	v.RegisterTrap(TrapDivisionByZero, func(v *VM) error {
		handlerFired = true
		return nil
	})

	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()
	blk.Move(SizeQWord, Reg(0, SizeQWord), ImmInt(10, SizeQWord))
	blk.Move(SizeQWord, Reg(1, SizeQWord), ImmInt(0, SizeQWord))
	blk.Div(SizeQWord, Reg(2, SizeQWord), Reg(0, SizeQWord), Reg(1, SizeQWord))
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}

	err := v.Run()
	assert(t, err != nil, "expected division by zero to trap")
	assert(t, errors.Is(err, errDivisionByZero), "expected errDivisionByZero, got %v", err)
	assert(t, handlerFired, "expected the registered trap_division_by_zero handler to run")
}

func TestOutOfMemoryTraps(t *testing.T) {
	v := New(Options{HeapSize: 256, StackSize: 64})

	handlerFired := false
	v.RegisterTrap(TrapOutOfMemory, func(v *VM) error {
		handlerFired = true
		return nil
	})

	asm := NewAssembler(v.Heap)
	blk := asm.MakeBasicBlock()
	// The whole 256-byte heap is far smaller than 1<<20 bytes.
	blk.Alloc(Reg(0, SizeQWord), ImmInt(1<<20, SizeQWord))
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	asm.ResolveNamedRefs(bag)
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("assembly failed: %v", bag.Items())
	}

	// A runtime fault stops the run with its error even when a handler is registered.
	err := v.Run()
	assert(t, errors.Is(err, errOutOfMemory), "expected errOutOfMemory, got %v", err)
	assert(t, handlerFired, "expected the registered trap_out_of_memory handler to run")
}

func TestMoveWithOffset(t *testing.T) {
	v := newTestVM(t)
	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Move(SizeQWord, Reg(0, SizeQWord), ImmInt(100, SizeQWord), ImmOffset(5, SizeQWord, false))
		b.Move(SizeQWord, Reg(1, SizeQWord), ImmInt(100, SizeQWord), ImmOffset(5, SizeQWord, true))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(0, SizeQWord) == 105, "expected i0 == 105, got %d", v.Registers.ReadInt(0, SizeQWord))
	assert(t, v.Registers.ReadInt(1, SizeQWord) == 95, "expected i1 == 95, got %d", v.Registers.ReadInt(1, SizeQWord))
}

func TestAllocFreeSizeOpcodes(t *testing.T) {
	v := newTestVM(t)
	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Alloc(Reg(0, SizeQWord), ImmInt(16, SizeQWord))
		b.Size(Reg(1, SizeQWord), Reg(0, SizeQWord))
		b.Free(Reg(0, SizeQWord))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(0, SizeQWord) != 0, "expected alloc to return a nonzero address")
	assert(t, v.Registers.ReadInt(1, SizeQWord) >= 16, "expected size to report at least the requested 16 bytes")
	assert(t, v.Registers.FlagGet(FlagZero), "expected free's zero flag set after freeing an allocated block")
}

func TestClrAndRotate(t *testing.T) {
	v := newTestVM(t)
	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Move(SizeQWord, Reg(0, SizeQWord), ImmInt(0x0F, SizeQWord))
		b.Ror(SizeByte, Reg(1, SizeByte), Reg(0, SizeByte), ImmInt(4, SizeByte))
		b.Rol(SizeByte, Reg(2, SizeByte), Reg(1, SizeByte), ImmInt(4, SizeByte))
		b.Clr(SizeQWord, Reg(0, SizeQWord))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(1, SizeByte) == 0xF0, "expected ror by 4 of 0x0F == 0xF0, got %#x", v.Registers.ReadInt(1, SizeByte))
	assert(t, v.Registers.ReadInt(2, SizeByte) == 0x0F, "expected rol to undo the ror, got %#x", v.Registers.ReadInt(2, SizeByte))
	assert(t, v.Registers.ReadInt(0, SizeQWord) == 0, "expected clr to zero the register")
	assert(t, v.Registers.FlagGet(FlagZero), "expected clr to set the zero flag")
}

func TestSetccMirrorsBranchConditions(t *testing.T) {
	v := newTestVM(t)
	assembleAndRun(t, v, func(b *BasicBlock) {
		b.Move(SizeByte, Reg(0, SizeByte), ImmInt(5, SizeByte))
		b.Move(SizeByte, Reg(1, SizeByte), ImmInt(5, SizeByte))
		b.Cmp(SizeByte, Reg(0, SizeByte), Reg(1, SizeByte))
		b.Setz(SizeByte, Reg(2, SizeByte))
		b.Setnz(SizeByte, Reg(3, SizeByte))
		b.Exit()
	})

	assert(t, v.Registers.ReadInt(2, SizeByte) == 1, "expected setz == 1 after equal compare")
	assert(t, v.Registers.ReadInt(3, SizeByte) == 0, "expected setnz == 0 after equal compare")
}
