package vm

import "testing"

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestHeapAllocSplitsAndCoalesces(t *testing.T) {
	h := NewHeap(0, 1024)

	a0 := h.Alloc(100)
	a1 := h.Alloc(200)
	a2 := h.Alloc(100)
	assert(t, a0 != 0 && a1 != 0 && a2 != 0, "expected all three allocations to succeed, got %d %d %d", a0, a1, a2)

	freed := h.Free(a1)
	assert(t, freed == 200, "expected to free 200 bytes, got %d", freed)

	hole := h.Alloc(150)
	assert(t, hole != 0, "expected alloc(150) to land inside the freed hole")
	assert(t, hole >= a1, "expected the reused address to fall within the freed block")

	h.Free(a0)
	h.Free(a2)
	h.Free(hole)

	assert(t, h.FreeBlockCount() == 1, "expected full coalescing back to one free block, got %d blocks", h.FreeBlockCount())
	assert(t, h.BlockSize(0) == 1024, "expected the single free block to cover the whole region, got size %d", h.BlockSize(0))
}

func TestHeapAllocNeverExceedsCapacity(t *testing.T) {
	h := NewHeap(0, 512)
	var allocated uint64
	var addrs []uint64

	for i := 0; i < 32; i++ {
		n := uint64(8 + i*2)
		addr := h.Alloc(n)
		if addr == 0 {
			continue
		}
		allocated += n
		addrs = append(addrs, addr)
		assert(t, allocated <= 512, "total allocated %d exceeded heap size 512", allocated)
	}

	for _, addr := range addrs {
		h.Free(addr)
	}
	assert(t, h.FreeBlockCount() == 1, "expected coalescing back to a single free block after freeing everything, got %d", h.FreeBlockCount())
}

func TestHeapFreeUnknownAddressIsNoop(t *testing.T) {
	h := NewHeap(0, 256)
	freed := h.Free(0xDEAD)
	assert(t, freed == 0, "expected freeing an unknown address to return 0, got %d", freed)
}

func TestHeapAllocReturnsZeroWhenNothingFits(t *testing.T) {
	h := NewHeap(0, 64)
	a := h.Alloc(32)
	assert(t, a != 0, "expected first alloc to succeed")
	b := h.Alloc(64)
	assert(t, b == 0, "expected alloc larger than remaining capacity to fail, got %d", b)
}

func TestHeapReadWriteRoundTrip(t *testing.T) {
	h := NewHeap(0, 128)
	addr := h.Alloc(16)
	assert(t, addr != 0, "expected alloc to succeed")

	if err := h.Write(addr, SizeQWord, 0xDEADBEEFCAFEBABE); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := h.Read(addr, SizeQWord)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	assert(t, got == 0xDEADBEEFCAFEBABE, "expected round-trip value 0xDEADBEEFCAFEBABE, got %#x", got)
}
