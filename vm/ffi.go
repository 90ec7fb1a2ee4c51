package vm

import "github.com/pkg/errors"

// FFIType identifies the marshaled type of an FFI argument or return value.
type FFIType byte

const (
	FFIVoid FFIType = iota
	FFIBool
	FFIByte
	FFIInt32
	FFIInt64
	FFIFloat32
	FFIFloat64
	FFIPointer
)

func sizeOfFFIType(t FFIType) OperandSize {
	switch t {
	case FFIByte, FFIBool:
		return SizeByte
	case FFIInt32, FFIFloat32:
		return SizeDWord
	default:
		return SizeQWord
	}
}

// CallingConvention mirrors the source's function_signature_t calling
// convention tag; only the default C convention is implemented.
type CallingConvention byte

const (
	CallDefault CallingConvention = iota
	CallVariadic
)

// FunctionSignature binds a symbol to its marshaling contract, matching
// spec §3's "Function signature (FFI)" tuple.
type FunctionSignature struct {
	Symbol     string
	Library    string
	ReturnType FFIType
	ArgTypes   []FFIType
	Convention CallingConvention
	Fn         NativeFunc
}

// Value is one marshaled argument or return value crossing the FFI boundary.
type Value struct {
	Type FFIType
	Raw  uint64 // register-width bit pattern; float values carry their bits
}

// NativeFunc is the Go-side trampoline a registered signature dispatches
// into. The original system calls through dyncall's DCCallVM, a C-only
// native-call library; a pure-Go module has no cgo-free equivalent, so the
// "native call" here is a plain registered Go function operating on marshaled
// Values, covering register_function/find_function/call from spec §6 without
// requiring cgo. There is no separate push step: the ffi opcode pops all
// arguments off the VM stack and hands them to the function as one slice.
type NativeFunc func(args []Value) (Value, error)

// FFIBridge is the VM-side adapter: it memoizes signatures by address and
// dispatches calls through the registered NativeFunc.
type FFIBridge struct {
	byAddr map[uint64]*FunctionSignature
	nextID uint64
}

func newFFIBridge() *FFIBridge {
	return &FFIBridge{byAddr: make(map[uint64]*FunctionSignature)}
}

// Register binds sig to a synthetic call-site address and returns it; the
// assembler emits this address as the ffi opcode's operand.
func (b *FFIBridge) Register(sig *FunctionSignature) uint64 {
	b.nextID++
	addr := b.nextID
	b.byAddr[addr] = sig
	return addr
}

func (b *FFIBridge) find(addr uint64) (*FunctionSignature, bool) {
	sig, ok := b.byAddr[addr]
	return sig, ok
}

func (b *FFIBridge) call(sig *FunctionSignature, args []Value) (Value, error) {
	if sig.Fn == nil {
		return Value{}, errors.Errorf("no native function bound for %s", sig.Symbol)
	}
	return sig.Fn(args)
}

// RegisterFunction is the public, spec-named entry point (register_function)
// exposed on VM for front-end use.
func (v *VM) RegisterFunction(sig *FunctionSignature) uint64 {
	return v.ffi.Register(sig)
}

// FindFunction is the public, spec-named entry point (find_function).
func (v *VM) FindFunction(addr uint64) (*FunctionSignature, bool) {
	return v.ffi.find(addr)
}
