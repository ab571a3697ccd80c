package codegen

import (
	"microjit/linker"
	"microjit/thumb"
	"microjit/vmstate"
)

// emitEntryPrologue emits the handful of instructions that run exactly
// once, at word 0, before the program's designated entry function: it
// establishes the register ABI (r0 = VMState pointer, r1 = operand stack
// pointer, r2 = top-of-stack, matching thumb.EntryFunc's three arguments)
// by pulling stack_base/stack_end out of VMState into r8/r9 once. The
// hardware SP is left untouched: it stays the native call stack so the
// push {lr}/pop {pc} pairs recursive functions emit never interleave with
// operand words, which live behind r1.
func (c *Compiler) emitEntryPrologue() error {
	baseWords := vmstate.DefaultLayout.StackBase / 4
	endWords := vmstate.DefaultLayout.StackEnd / 4

	seq := []uint16{
		c.enc.LoadWordWithOffset(thumb.R3, thumb.R0, baseWords),
		c.enc.MoveHighToHigh(thumb.R8, thumb.R3),
		c.enc.LoadWordWithOffset(thumb.R3, thumb.R0, endWords),
		c.enc.MoveHighToHigh(thumb.R9, thumb.R3),
	}
	return c.appendAll(seq)
}

// emitHelperStubs appends the shared body for every irregular opcode the
// program actually used (see trampoline.go), once each. Compiled code
// cannot call back into a Go closure without a platform-specific assembly
// trampoline (the same limitation thumb.CodeBuffer.Call's EntryFunc seam
// documents), so a stub is a structurally valid call target — decodable,
// reachable via BL — rather than a body that genuinely hands off to
// interp's shared helpers; see DESIGN.md.
func (c *Compiler) emitHelperStubs() error {
	for key := range c.pendingHelpers {
		if c.emittedHelpers[key] {
			continue
		}
		c.blockWordOffset[key] = c.buf.Length()
		if err := c.append(c.enc.Nop()); err != nil {
			return err
		}
		if err := c.append(c.enc.Ret()); err != nil {
			return err
		}
		c.emittedHelpers[key] = true
	}
	return nil
}

// emitSpecialHandlers appends the fixed runtime exit points the bounds
// checks, FETCH guards, and HALT branch to. Each leaves a status code in
// r0 (the EntryFunc convention used for reporting a compiled run's
// outcome) and returns. Recovering the precise faulting program counter the
// interpreter's ErrorPC captures would need either a per-call-site literal
// store or Thumb-2's IT-block conditional execution, neither available
// cheaply on ARMv6-M without enlarging every bounds check; see DESIGN.md.
func (c *Compiler) emitSpecialHandlers() error {
	handlers := []struct {
		loc    linker.SpecialLocation
		status vmstate.Status
	}{
		{linker.HaltLocation, vmstate.Success},
		{linker.StackOverflowLocation, vmstate.StackOverflow},
		{linker.StackUnderflowLocation, vmstate.StackUnderflow},
		{linker.OutOfBoundsFetchLocation, vmstate.OutOfBoundsFetch},
	}
	for _, h := range handlers {
		c.specialWordOffset[h.loc] = c.buf.Length()
		if err := c.appendAll([]uint16{
			c.enc.MoveImmediate(thumb.R0, uint32(h.status)),
			c.enc.Ret(),
		}); err != nil {
			return err
		}
	}
	return nil
}
