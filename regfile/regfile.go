// Package regfile virtualises the StackVM operand stack's top-of-stack
// window over a small set of Thumb registers.
// CodeGen never emits stack-relative loads/stores directly for ordinary
// arithmetic; it asks a RegisterFile for the registers holding its
// operands and lets the allocator decide whether those are already
// resident or need to be materialised from memory.
package regfile

import (
	"github.com/davecgh/go-spew/spew"

	"microjit/thumb"
)

// Window is the fixed rotation of low registers available to cache the
// top of the operand stack: a circular {r2,r4,r5,r6,r7} window. r0/r1/r3 are reserved by
// codegen for scratch/linkage use (VM state pointer, operand stack
// pointer, temp) and never enter the window.
var Window = [5]thumb.Register{thumb.R2, thumb.R4, thumb.R5, thumb.R6, thumb.R7}

// RegisterFile is the common interface the three allocator variants
// (Naive, Stack, CopyOnWrite) implement. All methods return the Thumb
// instruction words needed to realise the requested operation; callers
// append these directly to the code buffer being built for the current
// basic block.
type RegisterFile interface {
	// EnsureTop brings the top n logical stack slots into registers,
	// returning them top-to-bottom and any load instructions required.
	EnsureTop(n int) (regs []thumb.Register, code []uint16, err error)

	// Push records that a freshly computed value now occupies reg at the
	// top of the stack, returning any spill instructions required if the
	// cached window was already full.
	Push(reg thumb.Register) []uint16

	// PushConstant records a known-at-compile-time value at the top of
	// stack. Implementations that track constants (CopyOnWrite) may defer
	// materialising it into a register; others materialise eagerly.
	PushConstant(value int32) (thumb.Register, []uint16)

	// Pop discards the top n logical stack slots from the cache (the
	// caller is responsible for the corresponding SP adjustment).
	Pop(n int)

	// Drop/Dup/Swap/Rot/Tuck implement the named stack-shuffle primitive
	// purely through register bookkeeping and Thumb MOV/LDR/STR where the
	// window runs out of cached slots.
	Drop() []uint16
	Dup() []uint16
	Swap() []uint16
	Rot() []uint16
	Tuck() []uint16

	// Flush spills every register-resident value to memory and forgets
	// the cache, returning the store instructions required. Used before
	// crossing a CALL boundary or a basic block edge whose target expects
	// nothing cached.
	Flush() []uint16

	// KnownConstant reports the compile-time value of the stack slot at
	// depth (0 is the top) when the allocator tracks one. Only the
	// copy-on-write variant ever answers true; codegen uses it to fold
	// arithmetic over literal operands without emitting a single
	// instruction.
	KnownConstant(depth int) (int32, bool)

	// NoteComparison records that lhs and rhs were just compared, so a
	// CJMP immediately following can fuse into the comparison's branch
	// instead of re-materialising a boolean.
	NoteComparison(lhs, rhs thumb.Register)

	// ComparisonRegisters reports the two registers (if any) holding the
	// most recently compared operands. ok is false once that state has
	// been invalidated by an intervening stack operation.
	ComparisonRegisters() (lhs, rhs thumb.Register, ok bool)

	// ReturnToNaiveState spills every cached value to memory so a
	// recursive call site or dynamic trampoline observes the fully
	// memory-backed contract callees assume; distinct from Flush only in
	// naming to match the allocator's documented entry point for this
	// transition.
	ReturnToNaiveState() []uint16
}

// Mode names which allocator New should build.
type Mode string

const (
	ModeNaive Mode = "naive"
	ModeStack Mode = "stack"
	ModeCOW   Mode = "stack_with_copy_on_write"
)

// New constructs the RegisterFile variant mode names. base is the register
// holding the shadow stack pointer (SP-relative accesses read/write
// relative to it).
func New(mode Mode, base thumb.Register) RegisterFile {
	switch mode {
	case ModeStack:
		return newStackAllocator(base)
	case ModeCOW:
		return newCOWAllocator(base)
	default:
		return newNaiveAllocator(base)
	}
}

// synthesiseConstant emits the shortest sequence that leaves value in r.
// Values fitting the 8-bit MOV immediate take one instruction; anything
// else is built as mov/lsl/add over the value's unsigned 16-bit pattern,
// sign-extended afterwards so negative PUSH8/PUSH16 immediates come out
// right. Bytecode immediates never exceed 16 bits, so no four-byte
// synthesis path is needed.
func synthesiseConstant(enc *thumb.Encoder, r thumb.Register, value int32) []uint16 {
	if value >= 0 && value <= 0xff {
		return []uint16{enc.MoveImmediate(r, uint32(value))}
	}
	pattern := uint32(uint16(value))
	return []uint16{
		enc.MoveImmediate(r, pattern>>8),
		enc.LogicalShiftLeftImmediate(r, r, 8),
		enc.AddLargeImm(r, pattern&0xff),
		enc.SignExtendHalfword(r, r),
	}
}

// dumpState renders an allocator's internal bookkeeping via spew for
// DEBUG-level tracing. Nothing in this repository calls it.
func dumpState(label string, v interface{}) string {
	return label + ": " + spew.Sdump(v)
}
