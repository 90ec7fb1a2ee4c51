package vm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// splitSurplusThreshold is the maximum leftover size, in bytes, that a free
// block may keep after satisfying an alloc without being split into two
// blocks. Below this threshold the whole block is handed to the caller as-is.
const splitSurplusThreshold = 64

// heapBlock is a node in the allocator's doubly-linked, address-sorted list
// of free and allocated regions.
type heapBlock struct {
	address   uint64
	size      uint64
	allocated bool
	prev      *heapBlock
	next      *heapBlock
}

// Heap is a coalescing best-fit free-list allocator over a contiguous byte
// range. It owns the backing storage for the VM's addressable memory.
type Heap struct {
	base  uint64
	bytes []byte
	head  *heapBlock
	index map[uint64]*heapBlock
}

// NewHeap allocates a byte region of size bytes addressed starting at base
// and initializes the allocator with a single free block covering it.
func NewHeap(base uint64, size uint64) *Heap {
	h := &Heap{
		base:  base,
		bytes: make([]byte, size),
		index: make(map[uint64]*heapBlock),
	}
	h.reset()
	return h
}

func (h *Heap) reset() {
	block := &heapBlock{address: h.base, size: uint64(len(h.bytes))}
	h.head = block
	h.index = map[uint64]*heapBlock{block.address: block}
}

// Base returns the first addressable byte of the heap.
func (h *Heap) Base() uint64 { return h.base }

// Size returns the total number of bytes owned by the heap.
func (h *Heap) Size() uint64 { return uint64(len(h.bytes)) }

// Contains reports whether addr lies within [base, base+size).
func (h *Heap) Contains(addr uint64) bool {
	return addr >= h.base && addr < h.base+uint64(len(h.bytes))
}

// Alloc scans the free list for the smallest block that fits n bytes
// (best-fit). If the surplus after satisfying the request is greater than
// splitSurplusThreshold, the block is split and only the prefix is returned;
// otherwise the whole block is handed over. Returns 0 if no block fits.
func (h *Heap) Alloc(n uint64) uint64 {
	var best *heapBlock
	for b := h.head; b != nil; b = b.next {
		if b.allocated || b.size < n {
			continue
		}
		if best == nil || b.size < best.size {
			best = b
		}
	}
	if best == nil {
		return 0
	}

	surplus := best.size - n
	if surplus > splitSurplusThreshold {
		remainder := &heapBlock{
			address: best.address + n,
			size:    surplus,
			prev:    best,
			next:    best.next,
		}
		if best.next != nil {
			best.next.prev = remainder
		}
		best.next = remainder
		best.size = n
		h.index[remainder.address] = remainder
	}

	best.allocated = true
	return best.address
}

// Free marks the block at addr as free and coalesces it with any adjacent
// free blocks, returning the size originally allocated at addr (0 if addr is
// not the address of an allocated block).
func (h *Heap) Free(addr uint64) uint64 {
	block, ok := h.index[addr]
	if !ok || !block.allocated {
		return 0
	}
	freed := block.size
	block.allocated = false

	start := block
	for start.prev != nil && !start.prev.allocated {
		start = start.prev
	}
	end := block
	for end.next != nil && !end.next.allocated {
		end = end.next
	}

	if start != end {
		total := uint64(0)
		for b := start; ; b = b.next {
			total += b.size
			delete(h.index, b.address)
			if b == end {
				break
			}
		}
		start.size = total
		start.next = end.next
		if end.next != nil {
			end.next.prev = start
		}
		h.index[start.address] = start
	}

	return freed
}

// BlockSize returns the size of the block at addr, or 0 if addr is unknown.
func (h *Heap) BlockSize(addr uint64) uint64 {
	b, ok := h.index[addr]
	if !ok {
		return 0
	}
	return b.size
}

// FreeBlockCount returns the number of free blocks currently in the list,
// used by tests to assert full coalescing back to a single free region.
func (h *Heap) FreeBlockCount() int {
	n := 0
	for b := h.head; b != nil; b = b.next {
		if !b.allocated {
			n++
		}
	}
	return n
}

func (h *Heap) offset(addr uint64) (int, error) {
	if !h.Contains(addr) {
		return 0, errors.Errorf("heap address %#x out of range [%#x, %#x)", addr, h.base, h.base+uint64(len(h.bytes)))
	}
	return int(addr - h.base), nil
}

// Read copies size bytes starting at addr out of the heap.
func (h *Heap) Read(addr uint64, size OperandSize) (uint64, error) {
	off, err := h.offset(addr)
	if err != nil {
		return 0, err
	}
	end := off + int(size)
	if end > len(h.bytes) {
		return 0, errors.Errorf("read of %d bytes at %#x overruns heap", size, addr)
	}
	switch size {
	case SizeByte:
		return uint64(h.bytes[off]), nil
	case SizeWord:
		return uint64(binary.LittleEndian.Uint16(h.bytes[off:end])), nil
	case SizeDWord:
		return uint64(binary.LittleEndian.Uint32(h.bytes[off:end])), nil
	default:
		return binary.LittleEndian.Uint64(h.bytes[off:end]), nil
	}
}

// Write stores the low size bytes of value into the heap at addr.
func (h *Heap) Write(addr uint64, size OperandSize, value uint64) error {
	off, err := h.offset(addr)
	if err != nil {
		return err
	}
	end := off + int(size)
	if end > len(h.bytes) {
		return errors.Errorf("write of %d bytes at %#x overruns heap", size, addr)
	}
	switch size {
	case SizeByte:
		h.bytes[off] = byte(value)
	case SizeWord:
		binary.LittleEndian.PutUint16(h.bytes[off:end], uint16(value))
	case SizeDWord:
		binary.LittleEndian.PutUint32(h.bytes[off:end], uint32(value))
	default:
		binary.LittleEndian.PutUint64(h.bytes[off:end], value)
	}
	return nil
}

// RawBytes exposes the backing slice for bulk operations (copy/fill) and for
// the assembler's emission pass. Callers must respect heap ownership rules.
func (h *Heap) RawBytes() []byte { return h.bytes }
