package vm

// icacheEntry memoizes one decoded instruction and its encoded byte length.
type icacheEntry struct {
	instr  *Instruction
	length int
}

// instructionCache is a hash map from address to decoded instruction, sitting
// between fetch and dispatch. It is never invalidated automatically: the
// interpreter does not support self-modifying code, so any deliberate code
// mutation requires an explicit Reset.
type instructionCache struct {
	entries map[uint64]icacheEntry
	heap    *Heap
}

func newInstructionCache(heap *Heap) *instructionCache {
	return &instructionCache{entries: make(map[uint64]icacheEntry), heap: heap}
}

// Reset empties the cache. Called by the interpreter's reset() and by any
// caller that mutates already-assembled code.
func (c *instructionCache) Reset() {
	c.entries = make(map[uint64]icacheEntry)
}

// Fetch returns the decoded instruction at addr, decoding and memoizing it on
// a miss.
func (c *instructionCache) Fetch(addr uint64) (*Instruction, int, error) {
	if e, ok := c.entries[addr]; ok {
		return e.instr, e.length, nil
	}

	off, err := c.heap.offset(addr)
	if err != nil {
		return nil, 0, err
	}

	instr, n, err := Decode(c.heap.bytes[off:], addr)
	if err != nil {
		return nil, 0, err
	}

	c.entries[addr] = icacheEntry{instr: instr, length: n}
	return instr, n, nil
}
