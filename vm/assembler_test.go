package vm

import "testing"

func TestForwardLabelReferenceResolvesToExitAddress(t *testing.T) {
	heap := NewHeap(0, 4096)
	asm := NewAssembler(heap)
	blk := asm.MakeBasicBlock()

	blk.JmpLabel("done")
	blk.Nop()
	asm.Label(blk, "done")
	blk.Exit()

	bag := &DiagnosticBag{}
	if !asm.ApplyAddresses(bag) {
		t.Fatalf("apply addresses failed: %v", bag.Items())
	}
	if !asm.ResolveNamedRefs(bag) {
		t.Fatalf("resolve named refs failed: %v", bag.Items())
	}
	if !asm.Assemble(bag) {
		t.Fatalf("assemble failed: %v", bag.Items())
	}

	exitAddr, ok := asm.findLabelAddress("done")
	assert(t, ok, "expected label %q to resolve", "done")

	jmpAddr := blk.Entries()[0].address
	buf := heap.RawBytes()[jmpAddr-heap.Base():]
	decoded, _, err := Decode(buf, jmpAddr)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	assert(t, decoded.Op == OpJmp, "expected to decode a jmp, got opcode %d", decoded.Op)
	assert(t, decoded.Operands[0].Value == exitAddr,
		"expected jmp target to equal exit's resolved address %#x, got %#x", exitAddr, decoded.Operands[0].Value)
}

func TestDuplicateNamedRefIsIgnoredNotOverwritten(t *testing.T) {
	heap := NewHeap(0, 4096)
	asm := NewAssembler(heap)
	blk := asm.MakeBasicBlock()

	blk.JmpLabel("target")
	blk.JmpLabel("target")
	asm.Label(blk, "target")
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	if !asm.ResolveNamedRefs(bag) {
		t.Fatalf("resolve named refs failed: %v", bag.Items())
	}
	asm.Assemble(bag)
	if !bag.OK() {
		t.Fatalf("expected no diagnostics, got %v", bag.Items())
	}
}

func TestUnresolvedLabelProducesDiagnostic(t *testing.T) {
	heap := NewHeap(0, 4096)
	asm := NewAssembler(heap)
	blk := asm.MakeBasicBlock()

	blk.JmpLabel("nowhere")
	blk.Exit()

	bag := &DiagnosticBag{}
	asm.ApplyAddresses(bag)
	ok := asm.ResolveNamedRefs(bag)

	assert(t, !ok, "expected resolving an undeclared label to fail")
	assert(t, len(bag.Items()) == 1, "expected exactly one diagnostic, got %d", len(bag.Items()))
	assert(t, bag.Items()[0].Code == DiagUnresolvedLabel, "expected %s, got %s", DiagUnresolvedLabel, bag.Items()[0].Code)
}
