package vm

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Heap layout constants, absolute offsets from heap base. See spec §6.
const (
	InterruptVectorTableStart = 0
	InterruptVectorTableSize  = 128 // 16 * qword
	HeapVectorTableStart      = 128
	HeapVectorTableSize       = 32 // 4 * qword
	ProgramStart              = 160
)

// Heap vector table slot offsets, relative to HeapVectorTableStart.
const (
	heapVectorTopOfStack     = 0
	heapVectorBottomOfStack  = 8
	heapVectorProgramStart   = 16
	heapVectorFreeSpaceStart = 24
)

// TrapFunc is a handler registered against a trap index. Returning an error
// stops the run loop, and Step/Run return that error.
type TrapFunc func(v *VM) error

// VM is the interpreter core: register file, heap, instruction cache, and the
// trap/FFI tables it dispatches into. It is the exclusive owner of the heap
// byte array and the register file; nothing else may mutate them directly.
type VM struct {
	Registers RegisterFile
	Heap      *Heap
	icache    *instructionCache
	ffi       *FFIBridge

	traps map[uint64]TrapFunc

	// whitelist holds addresses (typically returned by FFI calls) that are
	// permitted targets for memory-touching opcodes even though they lie
	// outside the heap.
	whitelist map[uint64]struct{}

	exited  bool
	errcode error

	stackSize uint64

	log *logrus.Entry
}

// Options bundles the tunables read by New; main.go fills it from a Config
// (vm/config.go).
type Options struct {
	HeapSize  uint64
	StackSize uint64
	Logger    *logrus.Logger
}

// New constructs a VM with a freshly allocated heap of the given size, the
// top StackSize bytes of which are reserved as the downward-growing stack.
func New(opts Options) *VM {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	heap := NewHeap(0, opts.HeapSize)
	v := &VM{
		Heap:      heap,
		stackSize: opts.StackSize,
		traps:     make(map[uint64]TrapFunc),
		whitelist: make(map[uint64]struct{}),
		log:       opts.Logger.WithField("component", "terp"),
	}
	v.icache = newInstructionCache(heap)
	v.ffi = newFFIBridge()
	v.reset()
	return v
}

// reset rewires the heap vector table and places pc/sp/fp at their startup
// values. It is also what RegisterTrap-free callers invoke before the first
// Run.
func (v *VM) reset() {
	top := v.Heap.Base() + v.Heap.Size()
	bottom := top - v.stackSize

	_ = v.Heap.Write(HeapVectorTableStart+heapVectorTopOfStack, SizeQWord, top)
	_ = v.Heap.Write(HeapVectorTableStart+heapVectorBottomOfStack, SizeQWord, bottom)
	_ = v.Heap.Write(HeapVectorTableStart+heapVectorProgramStart, SizeQWord, ProgramStart)
	_ = v.Heap.Write(HeapVectorTableStart+heapVectorFreeSpaceStart, SizeQWord, ProgramStart)

	v.Registers.SetSpecial(RegPC, ProgramStart)
	v.Registers.SetSpecial(RegSP, top)
	v.Registers.SetSpecial(RegFP, top)
	v.Registers.SetSpecial(RegFR, 0)

	v.icache.Reset()
	v.exited = false
	v.errcode = nil
}

// Reset is the public entry point for the explicit reset() contract in
// spec §4.4: required after any code mutation, since the interpreter does
// not support self-modifying code.
func (v *VM) Reset() { v.reset() }

// HasExited reports whether the run loop has hit exit.
func (v *VM) HasExited() bool { return v.exited }

// Err returns the error, if any, that stopped the run loop (trap or fault).
// A nil return after HasExited() means the program reached exit normally.
func (v *VM) Err() error { return v.errcode }

// RegisterTrap binds a handler to a trap index, consulted by the trap opcode.
func (v *VM) RegisterTrap(index uint64, fn TrapFunc) {
	v.traps[index] = fn
}

// Whitelist marks addr as a valid target for memory-touching opcodes even
// though it lies outside the heap (used for native pointers returned by FFI).
func (v *VM) Whitelist(addr uint64) {
	v.whitelist[addr] = struct{}{}
}

func (v *VM) checkAddress(addr uint64) error {
	if _, ok := v.whitelist[addr]; ok {
		return nil
	}
	if !v.Heap.Contains(addr) {
		return v.fault(TrapInvalidAddress, errors.Wrapf(errInvalidAddress, "address %#x", addr))
	}
	return nil
}

// fault invokes the registered trap handler for index, if any, then always
// returns cause — runtime faults (unlike the explicit trap opcode) stop the
// run loop whether or not a handler is registered, per spec §7.
func (v *VM) fault(index uint64, cause error) error {
	if fn, ok := v.traps[index]; ok {
		if err := fn(v); err != nil {
			return err
		}
	}
	return cause
}

// effectiveValue computes ops[baseIdx] +/- ops[offsetIdx], the address (or
// value, for the move family) arithmetic shared by load, store, move, moves,
// and movez. The offset operand is optional: offsetIdx may be out of range,
// in which case the base value is returned unchanged. The offset operand's
// Negative flag selects subtraction, not the value's own sign bit.
func (v *VM) effectiveValue(ops []Operand, baseIdx, offsetIdx int) uint64 {
	base := v.readOperand(ops[baseIdx])
	if offsetIdx >= len(ops) {
		return base
	}
	offset := v.readOperand(ops[offsetIdx])
	if ops[offsetIdx].Negative {
		return base - offset
	}
	return base + offset
}

// effectiveValueWhitelist is effectiveValue plus whitelist propagation: if
// the base value was itself a whitelisted (non-heap) address, the computed
// result is whitelisted too, so pointer arithmetic on an FFI-returned
// pointer keeps working through move/moves/movez without a bounds check.
func (v *VM) effectiveValueWhitelist(ops []Operand, baseIdx, offsetIdx int) uint64 {
	base := v.readOperand(ops[baseIdx])
	result := v.effectiveValue(ops, baseIdx, offsetIdx)
	if _, ok := v.whitelist[base]; ok {
		v.whitelist[result] = struct{}{}
	}
	return result
}

// --- stack helpers -------------------------------------------------------

func (v *VM) push(size OperandSize, value uint64) error {
	sp := v.Registers.Special(RegSP) - uint64(size)
	if err := v.checkAddress(sp); err != nil {
		return err
	}
	if err := v.Heap.Write(sp, size, value); err != nil {
		return err
	}
	v.Registers.SetSpecial(RegSP, sp)
	return nil
}

func (v *VM) pop(size OperandSize) (uint64, error) {
	sp := v.Registers.Special(RegSP)
	if err := v.checkAddress(sp); err != nil {
		return 0, err
	}
	val, err := v.Heap.Read(sp, size)
	if err != nil {
		return 0, err
	}
	v.Registers.SetSpecial(RegSP, sp+uint64(size))
	return val, nil
}

// --- operand access --------------------------------------------------------

// readOperand resolves an operand to its 64-bit (or float-bit-pattern) value.
func (v *VM) readOperand(o Operand) uint64 {
	switch o.Kind {
	case OperandRegister:
		if o.Size == SizeNone {
			return v.Registers.ReadInt(int(o.Value), SizeQWord)
		}
		return v.Registers.ReadInt(int(o.Value), o.Size)
	default:
		return o.Value
	}
}

// writeOperand stores value into a register-kind operand's target register.
func (v *VM) writeOperand(o Operand, size OperandSize, value uint64) {
	if o.Kind == OperandRegister {
		v.Registers.WriteInt(int(o.Value), size, value)
	}
}

// --- flags -----------------------------------------------------------------

func (v *VM) updateArithFlags(result uint64, size OperandSize, carry, overflow, subtract bool) {
	v.Registers.FlagSet(FlagZero, maskToSize(result, size) == 0)
	v.Registers.FlagSet(FlagNegative, isNegative(result, size))
	v.Registers.FlagSet(FlagCarry, carry)
	v.Registers.FlagSet(FlagOverflow, overflow)
	v.Registers.FlagSet(FlagSubtract, subtract)
}

func isNegative(v uint64, size OperandSize) bool {
	switch size {
	case SizeByte:
		return v&0x80 != 0
	case SizeWord:
		return v&0x8000 != 0
	case SizeDWord:
		return v&0x80000000 != 0
	default:
		return v&0x8000000000000000 != 0
	}
}

func signBitFor(size OperandSize) uint64 {
	switch size {
	case SizeByte:
		return 0x80
	case SizeWord:
		return 0x8000
	case SizeDWord:
		return 0x80000000
	default:
		return 0x8000000000000000
	}
}

// --- run loop ---------------------------------------------------------------

// Step executes a single instruction at pc and returns false once the loop
// should stop: exit reached, or an error (a fetch failure, a runtime fault
// whether or not a handler is registered, or an error from a trap handler).
// A trap opcode with no registered handler does not stop the loop.
func (v *VM) Step() (bool, error) {
	pc := v.Registers.Special(RegPC)
	instr, length, err := v.icache.Fetch(pc)
	if err != nil {
		v.errcode = errors.Wrap(err, "fetch")
		return false, v.errcode
	}
	v.Registers.SetSpecial(RegPC, pc+uint64(length))

	if err := v.dispatch(instr); err != nil {
		if errors.Is(err, errProgramFinished) {
			v.exited = true
			return false, nil
		}
		v.errcode = err
		v.log.WithError(err).WithField("pc", pc).Warn("trap")
		return false, err
	}
	return !v.exited, nil
}

// Run executes instructions until exit or until Step returns an error.
func (v *VM) Run() error {
	for {
		cont, err := v.Step()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

func (v *VM) dispatch(instr *Instruction) error {
	ops := instr.Operands
	size := instr.Size

	switch instr.Op {
	case OpNop:
		return nil

	case OpExit:
		return errProgramFinished

	case OpMove:
		v.writeOperand(ops[0], size, maskToSize(v.effectiveValueWhitelist(ops, 1, 2), size))
		return nil
	case OpMoves:
		v.writeOperand(ops[0], size, SignExtend(v.effectiveValueWhitelist(ops, 1, 2), size))
		return nil
	case OpMovez:
		v.writeOperand(ops[0], size, ZeroExtend(v.effectiveValueWhitelist(ops, 1, 2), size))
		return nil
	case OpConvert:
		return v.execConvert(ops, size)
	case OpClr:
		v.writeOperand(ops[0], size, 0)
		v.Registers.FlagSet(FlagCarry, false)
		v.Registers.FlagSet(FlagOverflow, false)
		v.Registers.FlagSet(FlagSubtract, false)
		v.Registers.FlagSet(FlagZero, true)
		v.Registers.FlagSet(FlagNegative, false)
		return nil

	case OpLoad:
		// Bounds-checking (and thus trap_invalid_address) applies to load and
		// store only; the move family above applies the same offset
		// arithmetic but never bounds-checks the result.
		addr := v.effectiveValue(ops, 1, 2)
		if err := v.checkAddress(addr); err != nil {
			return err
		}
		val, err := v.Heap.Read(addr, size)
		if err != nil {
			return err
		}
		v.writeOperand(ops[0], size, val)
		return nil
	case OpStore:
		addr := v.effectiveValue(ops, 0, 2)
		if err := v.checkAddress(addr); err != nil {
			return err
		}
		return v.Heap.Write(addr, size, v.readOperand(ops[1]))
	case OpCopy:
		return v.execCopy(ops, size)
	case OpFill:
		return v.execFill(ops, size)

	case OpAlloc:
		n := v.readOperand(ops[1])
		addr := v.Heap.Alloc(n)
		if addr == 0 {
			return v.fault(TrapOutOfMemory, errOutOfMemory)
		}
		v.writeOperand(ops[0], SizeQWord, addr)
		return nil
	case OpFree:
		freed := v.Heap.Free(v.readOperand(ops[0]))
		v.Registers.FlagSet(FlagZero, freed != 0)
		return nil
	case OpSize:
		blockSize := v.Heap.BlockSize(v.readOperand(ops[1]))
		v.writeOperand(ops[0], SizeQWord, blockSize)
		v.Registers.FlagSet(FlagZero, blockSize == 0)
		v.Registers.FlagSet(FlagNegative, isNegative(blockSize, SizeQWord))
		return nil

	case OpPush:
		return v.push(size, v.readOperand(ops[0]))
	case OpPop:
		val, err := v.pop(size)
		if err != nil {
			return err
		}
		v.writeOperand(ops[0], size, val)
		return nil
	case OpPushm:
		for _, o := range ops {
			if err := v.push(size, v.readOperand(o)); err != nil {
				return err
			}
		}
		return nil
	case OpPopm:
		for i := len(ops) - 1; i >= 0; i-- {
			val, err := v.pop(size)
			if err != nil {
				return err
			}
			v.writeOperand(ops[i], size, val)
		}
		return nil
	case OpDup:
		val, err := v.pop(size)
		if err != nil {
			return err
		}
		if err := v.push(size, val); err != nil {
			return err
		}
		return v.push(size, val)
	case OpSwap:
		a, err := v.pop(size)
		if err != nil {
			return err
		}
		b, err := v.pop(size)
		if err != nil {
			return err
		}
		if err := v.push(size, a); err != nil {
			return err
		}
		return v.push(size, b)

	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpPow:
		return v.execArith(instr.Op, ops, size)
	case OpNeg:
		return v.execNeg(ops, size)
	case OpInc, OpDec:
		return v.execIncDec(instr.Op, ops, size)

	case OpNot:
		v.writeOperand(ops[0], size, maskToSize(^v.readOperand(ops[1]), size))
		return nil
	case OpAnd, OpOr, OpXor:
		return v.execLogic(instr.Op, ops, size)
	case OpBis:
		v.writeOperand(ops[0], size, maskToSize(v.readOperand(ops[0])|v.readOperand(ops[1]), size))
		return nil
	case OpBic:
		v.writeOperand(ops[0], size, maskToSize(v.readOperand(ops[0])&^v.readOperand(ops[1]), size))
		return nil
	case OpShl:
		v.writeOperand(ops[0], size, maskToSize(v.readOperand(ops[1])<<v.readOperand(ops[2]), size))
		return nil
	case OpShr:
		v.writeOperand(ops[0], size, maskToSize(v.readOperand(ops[1])>>v.readOperand(ops[2]), size))
		return nil
	case OpRor:
		v.writeOperand(ops[0], size, rotateRight(v.readOperand(ops[1]), v.readOperand(ops[2]), size))
		return nil
	case OpRol:
		v.writeOperand(ops[0], size, rotateLeft(v.readOperand(ops[1]), v.readOperand(ops[2]), size))
		return nil

	case OpCmp:
		v.execCompare(v.readOperand(ops[0]), v.readOperand(ops[1]), size)
		return nil
	case OpTest:
		v.execCompare(v.readOperand(ops[0]), 0, size)
		return nil
	case OpTbz, OpTbnz:
		return v.execTestBit(instr.Op, ops)

	case OpJmp:
		v.Registers.SetSpecial(RegPC, v.readOperand(ops[0]))
		return nil
	case OpJsr:
		if err := v.push(SizeQWord, v.Registers.Special(RegPC)); err != nil {
			return err
		}
		v.Registers.SetSpecial(RegPC, v.readOperand(ops[0]))
		return nil
	case OpRts:
		target, err := v.pop(SizeQWord)
		if err != nil {
			return err
		}
		v.Registers.SetSpecial(RegPC, target)
		return nil

	case OpSwi:
		return v.execSwi(ops)
	case OpTrap:
		return v.execTrap(ops)
	case OpFfi:
		return v.execFfi(ops)
	}

	if instr.Op.IsConditionalBranch() {
		if evalCondition(instr.Op, &v.Registers) {
			v.Registers.SetSpecial(RegPC, v.readOperand(ops[0]))
		}
		return nil
	}
	if instr.Op.IsSetcc() {
		var result uint64
		if evalSetcc(instr.Op, &v.Registers) {
			result = 1
		}
		v.writeOperand(ops[0], size, result)
		return nil
	}

	return errors.Wrapf(errUnknownInstruction, "opcode %d", instr.Op)
}

// rotateRight and rotateLeft implement the ror/rol opcodes: a bitwise
// rotate within the operand's size in bits. A rotate amount equal to the
// bit width is a no-op (Go defines shifts >= width as yielding 0, so the
// two halves of the rotate correctly combine back to the original value).
func rotateRight(val, amount uint64, size OperandSize) uint64 {
	w := bitWidth(size)
	amount %= w
	m := maskToSize(val, size)
	return maskToSize((m>>amount)|(m<<(w-amount)), size)
}

func rotateLeft(val, amount uint64, size OperandSize) uint64 {
	w := bitWidth(size)
	amount %= w
	m := maskToSize(val, size)
	return maskToSize((m<<amount)|(m>>(w-amount)), size)
}

func bitWidth(size OperandSize) uint64 {
	switch size {
	case SizeByte:
		return 8
	case SizeWord:
		return 16
	case SizeDWord:
		return 32
	default:
		return 64
	}
}

func (v *VM) execConvert(ops []Operand, size OperandSize) error {
	bitsVal := v.readOperand(ops[1])
	// Registers carry no static type tag, so convert always treats the
	// source as an integer and produces a float bit pattern of the
	// destination size — the int-to-float cast named in spec §4.1.
	if size == SizeDWord {
		f := float32(int64(bitsVal))
		v.writeOperand(ops[0], size, uint64(math.Float32bits(f)))
	} else {
		f := float64(int64(bitsVal))
		v.writeOperand(ops[0], size, math.Float64bits(f))
	}
	return nil
}

func (v *VM) execCopy(ops []Operand, size OperandSize) error {
	dst := v.readOperand(ops[0])
	src := v.readOperand(ops[1])
	n := v.readOperand(ops[2])
	for i := uint64(0); i < n; i++ {
		addr := src + i*uint64(size)
		if err := v.checkAddress(addr); err != nil {
			return err
		}
		val, err := v.Heap.Read(addr, size)
		if err != nil {
			return err
		}
		out := dst + i*uint64(size)
		if err := v.checkAddress(out); err != nil {
			return err
		}
		if err := v.Heap.Write(out, size, val); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) execFill(ops []Operand, size OperandSize) error {
	dst := v.readOperand(ops[0])
	val := v.readOperand(ops[1])
	n := v.readOperand(ops[2])
	for i := uint64(0); i < n; i++ {
		addr := dst + i*uint64(size)
		if err := v.checkAddress(addr); err != nil {
			return err
		}
		if err := v.Heap.Write(addr, size, val); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) execArith(op Opcode, ops []Operand, size OperandSize) error {
	// Dispatch float vs integer based on operand kind, since registers carry
	// no static type — the assembler is responsible for emitting Convert
	// where a cast is needed.
	if ops[1].Kind == OperandImmFloat || ops[2].Kind == OperandImmFloat {
		return v.execFloatArith(op, ops, size)
	}

	lhs := v.readOperand(ops[1])
	rhs := v.readOperand(ops[2])

	var result uint64
	var carry, overflow bool

	switch op {
	case OpAdd:
		result = lhs + rhs
		carry = maskToSize(result, size) < maskToSize(lhs, size)
		overflow = addOverflows(lhs, rhs, result, size)
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, carry, overflow, false)
	case OpSub:
		result = lhs - rhs
		carry = maskToSize(lhs, size) < maskToSize(rhs, size)
		overflow = subOverflows(lhs, rhs, result, size)
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, carry, overflow, true)
	case OpMul:
		result = lhs * rhs
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, false, false, false)
	case OpDiv:
		if maskToSize(rhs, size) == 0 {
			return v.fault(TrapDivisionByZero, errDivisionByZero)
		}
		result = maskToSize(lhs, size) / maskToSize(rhs, size)
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, false, false, false)
	case OpRem:
		if maskToSize(rhs, size) == 0 {
			return v.fault(TrapDivisionByZero, errDivisionByZero)
		}
		result = maskToSize(lhs, size) % maskToSize(rhs, size)
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, false, false, false)
	case OpPow:
		result = ipow(maskToSize(lhs, size), maskToSize(rhs, size))
		v.writeOperand(ops[0], size, maskToSize(result, size))
		v.updateArithFlags(result, size, false, false, false)
	}
	return nil
}

func ipow(base, exp uint64) uint64 {
	result := uint64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

func addOverflows(lhs, rhs, result uint64, size OperandSize) bool {
	sign := signBitFor(size)
	return (lhs^result)&(rhs^result)&sign != 0
}

func subOverflows(lhs, rhs, result uint64, size OperandSize) bool {
	sign := signBitFor(size)
	return (lhs^rhs)&(lhs^result)&sign != 0
}

func (v *VM) execFloatArith(op Opcode, ops []Operand, size OperandSize) error {
	if size == SizeDWord {
		lhs := math.Float32frombits(uint32(v.readOperand(ops[1])))
		rhs := math.Float32frombits(uint32(v.readOperand(ops[2])))
		var result float32
		switch op {
		case OpAdd:
			result = lhs + rhs
		case OpSub:
			result = lhs - rhs
		case OpMul:
			result = lhs * rhs
		case OpDiv:
			if rhs == 0 {
				return v.fault(TrapDivisionByZero, errDivisionByZero)
			}
			result = lhs / rhs
		case OpRem:
			if rhs == 0 {
				return v.fault(TrapDivisionByZero, errDivisionByZero)
			}
			result = float32(math.Mod(float64(lhs), float64(rhs)))
		case OpPow:
			result = float32(math.Pow(float64(lhs), float64(rhs)))
		}
		v.writeOperand(ops[0], size, uint64(math.Float32bits(result)))
		v.Registers.FlagSet(FlagZero, result == 0)
		v.Registers.FlagSet(FlagNegative, result < 0)
		return nil
	}

	lhs := math.Float64frombits(v.readOperand(ops[1]))
	rhs := math.Float64frombits(v.readOperand(ops[2]))
	var result float64
	switch op {
	case OpAdd:
		result = lhs + rhs
	case OpSub:
		result = lhs - rhs
	case OpMul:
		result = lhs * rhs
	case OpDiv:
		if rhs == 0 {
			return v.fault(TrapDivisionByZero, errDivisionByZero)
		}
		result = lhs / rhs
	case OpRem:
		if rhs == 0 {
			return v.fault(TrapDivisionByZero, errDivisionByZero)
		}
		result = math.Mod(lhs, rhs)
	case OpPow:
		result = math.Pow(lhs, rhs)
	}
	v.writeOperand(ops[0], size, math.Float64bits(result))
	v.Registers.FlagSet(FlagZero, result == 0)
	v.Registers.FlagSet(FlagNegative, result < 0)
	return nil
}

func (v *VM) execNeg(ops []Operand, size OperandSize) error {
	if ops[1].Kind == OperandImmFloat {
		if size == SizeDWord {
			bits32 := uint32(v.readOperand(ops[1]))
			v.writeOperand(ops[0], size, uint64(bits32^0x80000000))
		} else {
			bits64 := v.readOperand(ops[1])
			v.writeOperand(ops[0], size, bits64^0x8000000000000000)
		}
		return nil
	}
	val := v.readOperand(ops[1])
	result := maskToSize(^val+1, size)
	v.writeOperand(ops[0], size, result)
	v.updateArithFlags(result, size, false, false, false)
	return nil
}

func (v *VM) execIncDec(op Opcode, ops []Operand, size OperandSize) error {
	val := v.readOperand(ops[0])
	var result uint64
	subtract := op == OpDec
	if op == OpInc {
		result = val + 1
	} else {
		result = val - 1
	}
	v.writeOperand(ops[0], size, maskToSize(result, size))
	v.updateArithFlags(result, size, false, false, subtract)
	return nil
}

func (v *VM) execLogic(op Opcode, ops []Operand, size OperandSize) error {
	lhs := v.readOperand(ops[1])
	rhs := v.readOperand(ops[2])
	var result uint64
	switch op {
	case OpAnd:
		result = lhs & rhs
	case OpOr:
		result = lhs | rhs
	case OpXor:
		result = lhs ^ rhs
	}
	result = maskToSize(result, size)
	v.writeOperand(ops[0], size, result)
	v.Registers.FlagSet(FlagZero, result == 0)
	v.Registers.FlagSet(FlagNegative, isNegative(result, size))
	v.Registers.FlagSet(FlagCarry, false)
	v.Registers.FlagSet(FlagOverflow, false)
	return nil
}

func (v *VM) execCompare(lhs, rhs uint64, size OperandSize) {
	lm := maskToSize(lhs, size)
	rm := maskToSize(rhs, size)
	result := lm - rm
	v.Registers.FlagSet(FlagZero, maskToSize(result, size) == 0)
	v.Registers.FlagSet(FlagNegative, isNegative(result, size))
	v.Registers.FlagSet(FlagCarry, lm < rm)
	v.Registers.FlagSet(FlagOverflow, subOverflows(lhs, rhs, result, size))
	v.Registers.FlagSet(FlagSubtract, true)
}

func (v *VM) execTestBit(op Opcode, ops []Operand) error {
	val := v.readOperand(ops[0])
	bit := v.readOperand(ops[1])
	target := v.readOperand(ops[2])
	set := val&(1<<bit) != 0
	if (op == OpTbz && !set) || (op == OpTbnz && set) {
		v.Registers.SetSpecial(RegPC, target)
	}
	return nil
}

func (v *VM) execSwi(ops []Operand) error {
	index := v.readOperand(ops[0])
	vector := InterruptVectorTableStart + index*8
	addr, err := v.Heap.Read(vector, SizeQWord)
	if err != nil {
		return err
	}
	if err := v.push(SizeQWord, v.Registers.Special(RegPC)); err != nil {
		return err
	}
	v.Registers.SetSpecial(RegPC, addr)
	return nil
}

func (v *VM) execTrap(ops []Operand) error {
	index := v.readOperand(ops[0])
	fn, ok := v.traps[index]
	if !ok {
		return nil
	}
	return fn(v)
}

func (v *VM) execFfi(ops []Operand) error {
	addr := v.readOperand(ops[0])
	sig, ok := v.ffi.find(addr)
	if !ok {
		return v.fault(TrapInvalidFFICall, errors.Wrapf(errInvalidFFICall, "no function registered at %#x", addr))
	}

	args := make([]Value, len(sig.ArgTypes))
	for i := len(sig.ArgTypes) - 1; i >= 0; i-- {
		raw, err := v.pop(sizeOfFFIType(sig.ArgTypes[i]))
		if err != nil {
			return err
		}
		args[i] = Value{Type: sig.ArgTypes[i], Raw: raw}
	}

	ret, err := v.ffi.call(sig, args)
	if err != nil {
		return errors.Wrap(err, "ffi call")
	}
	if sig.ReturnType != FFIVoid {
		return v.push(sizeOfFFIType(sig.ReturnType), ret.Raw)
	}
	return nil
}
