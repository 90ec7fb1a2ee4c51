package vm

import (
	"errors"
	"fmt"
)

// Sentinel runtime errors, compared with errors.Is by callers — kept as plain
// values rather than wrapped types since these are identity checks, not
// causal chains.
var (
	errProgramFinished     = errors.New("program finished")
	errSegmentationFault   = errors.New("segmentation fault")
	errOutOfMemory         = errors.New("out of memory")
	errInvalidAddress      = errors.New("invalid heap address")
	errDivisionByZero      = errors.New("division by zero")
	errUnknownInstruction  = errors.New("unknown instruction")
	errInvalidFFICall      = errors.New("invalid ffi call")
	errUnresolvedReference = errors.New("unresolved named reference")
)

// DiagnosticCode identifies the class of a Diagnostic, per spec §6: A001..A005
// are assembler diagnostics, B003..B006 are encoder/decoder and bounds checks.
type DiagnosticCode string

const (
	DiagUnknownMnemonic   DiagnosticCode = "A001"
	DiagWrongOperandCount DiagnosticCode = "A002"
	DiagUnresolvedLabel   DiagnosticCode = "A003"
	DiagDuplicateLabel    DiagnosticCode = "A004"
	DiagUnexpectedRefKind DiagnosticCode = "A005"

	DiagMisalignedAddress DiagnosticCode = "B003"
	DiagUnencodableImm    DiagnosticCode = "B004"
	DiagTruncatedOperand  DiagnosticCode = "B005"
	DiagOperandOverflow   DiagnosticCode = "B006"
)

// Reserved trap indices. trap_out_of_memory and trap_invalid_ffi_call match
// the original terp.h reservations; trap_invalid_address and
// trap_division_by_zero have no numeric definition anywhere in the indexed
// original source (only call sites), so these two are assigned here,
// following the same high-byte convention.
const (
	TrapOutOfMemory    uint64 = 0xff
	TrapInvalidFFICall uint64 = 0xfe
	TrapInvalidAddress uint64 = 0xfd
	TrapDivisionByZero uint64 = 0xfc
)

// Position locates a diagnostic in the front-end's source, when known.
type Position struct {
	Block int
	Entry int
}

// Diagnostic is one entry in the assembler's diagnostic bag, the sole error
// channel for the apply_addresses/resolve_named_refs/assemble pipeline.
type Diagnostic struct {
	Code     DiagnosticCode
	Message  string
	Position Position
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s (block %d, entry %d)", d.Code, d.Message, d.Position.Block, d.Position.Entry)
}

// DiagnosticBag accumulates diagnostics across a pipeline pass.
type DiagnosticBag struct {
	items []Diagnostic
}

func (b *DiagnosticBag) Add(d Diagnostic) {
	b.items = append(b.items, d)
}

func (b *DiagnosticBag) OK() bool {
	return len(b.items) == 0
}

func (b *DiagnosticBag) Items() []Diagnostic {
	return b.items
}

func (b *DiagnosticBag) Error() string {
	if b.OK() {
		return ""
	}
	msg := fmt.Sprintf("%d diagnostic(s):", len(b.items))
	for _, d := range b.items {
		msg += "\n  " + d.Error()
	}
	return msg
}
