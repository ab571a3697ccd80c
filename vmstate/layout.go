package vmstate

import "fmt"

// Layout gives the byte offset of every State field that compiled code
// addresses directly, computed once rather than hand-counted. The first
// four offsets (StackPointer, StackEnd, StackBase, CodePointer) are
// load-bearing: they are baked into emitted Thumb LDR/STR immediates by
// codegen, and any reimplementation must keep them exactly as documented.
type Layout struct {
	StackPointer       uint32
	StackEnd           uint32
	StackBase          uint32
	CodePointer        uint32
	CodeLength         uint32
	ProgramCounter     uint32
	EscapeStackAddress uint32
	EscapePC           uint32
	ErrorPC            uint32
	JumpTablePointer   uint32
}

// wordSize is the native word size compiled Thumb code addresses State
// fields with; every field in the wire layout is exactly one word wide.
const wordSize = 4

// ComputeLayout lays out the ten wire fields in their documented order,
// and asserts the first four keep the exact offsets compiled code hard-codes
// (0, 4, 8, 12). It panics on mismatch: those offsets are a correctness
// invariant, not a runtime configuration choice.
func ComputeLayout() Layout {
	var l Layout
	offset := uint32(0)
	next := func() uint32 {
		o := offset
		offset += wordSize
		return o
	}

	l.StackPointer = next()
	l.StackEnd = next()
	l.StackBase = next()
	l.CodePointer = next()
	l.CodeLength = next()
	l.ProgramCounter = next()
	l.EscapeStackAddress = next()
	l.EscapePC = next()
	l.ErrorPC = next()
	l.JumpTablePointer = next()

	required := map[string]struct {
		got, want uint32
	}{
		"stack_pointer": {l.StackPointer, 0},
		"stack_end":     {l.StackEnd, 4},
		"stack_base":    {l.StackBase, 8},
		"code_pointer":  {l.CodePointer, 12},
	}
	for name, pair := range required {
		if pair.got != pair.want {
			panic(fmt.Sprintf("vmstate: layout invariant violated for %s: got offset %d, want %d", name, pair.got, pair.want))
		}
	}

	return l
}

// DefaultLayout is computed once at package initialization and is the
// layout every codegen/linker component in this repository uses; it exists
// mainly so tests and the encoder can reference named offsets instead of
// literal integers.
var DefaultLayout = ComputeLayout()
