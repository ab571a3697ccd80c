// Package interp provides the reference, non-JIT execution path for
// StackVM bytecode. Execute runs the irregular opcodes (DIV/MOD/NRND/
// NROT/NTUCK and the like) through the overflow/underflow-checked
// Execute* helpers in helpers.go. Compiled code does not call these
// helpers: codegen's helper call sites branch to stubs that return
// without performing the operation.
package interp

import (
	"microjit/stackcode"
	"microjit/vmstate"
)

// Device dispatches an optional (≥0x80) instruction against external
// hardware state, popping args.len words and returning whatever the
// instruction's descriptor byte declares it pushes. device.Bus satisfies
// this structurally.
type Device interface {
	Dispatch(op stackcode.Op, args []int32) ([]int32, error)
}

// noDevice answers every optional instruction with zero pushed words,
// used when the caller has no hardware to wire in.
type noDevice struct{}

func (noDevice) Dispatch(stackcode.Op, []int32) ([]int32, error) { return nil, nil }

// NoDevice is the zero-value Device for programs that never touch
// optional instructions.
var NoDevice Device = noDevice{}

// Execute runs state.Code from state.ProgramCounter until HALT, a stack
// over/underflow, or an out-of-bounds fetch, mutating state in place and
// leaving state.Status as the terminal reason.
func Execute(state *vmstate.State, dev Device) {
	if dev == nil {
		dev = NoDevice
	}
	for {
		pc := int(state.ProgramCounter)
		if !state.Code.InBounds(pc) {
			state.Status = vmstate.OutOfBoundsFetch
			state.ErrorPC = uint32(pc)
			return
		}

		op := stackcode.Op(state.Code.At(pc))

		if op.IsOptional() {
			push, pop := state.Code.OptionalEffect(pc)
			if !state.Stack.CanPop(pop) {
				state.Status = vmstate.StackUnderflow
				state.ErrorPC = uint32(pc)
				return
			}
			args := make([]int32, pop)
			for i := 0; i < pop; i++ {
				args[i] = state.Stack.Pop()
			}
			results, err := dev.Dispatch(op, args)
			if err != nil {
				state.Status = vmstate.UnknownFailure
				state.ErrorPC = uint32(pc)
				return
			}
			if !state.Stack.CanPush(push) {
				state.Status = vmstate.StackOverflow
				state.ErrorPC = uint32(pc)
				return
			}
			for i := len(results) - 1; i >= 0 && i < push; i-- {
				state.Stack.Push(results[i])
			}
			for i := len(results); i < push; i++ {
				state.Stack.Push(0)
			}
			state.ProgramCounter += int32(op.Width())
			continue
		}

		status, jumped := step(state, op, pc)
		if status != vmstate.Success {
			state.Status = status
			state.ErrorPC = uint32(pc)
			return
		}
		if op == stackcode.Halt {
			state.Status = vmstate.Success
			return
		}
		if !jumped {
			state.ProgramCounter += int32(op.Width())
		}
	}
}

// step executes one non-optional instruction, returning the resulting
// status and whether it altered ProgramCounter itself (a taken
// jump/call/return).
func step(state *vmstate.State, op stackcode.Op, pc int) (vmstate.Status, bool) {
	s := &state.Stack

	binary := func(fn func(a, b int32) int32) vmstate.Status {
		if !s.CanPop(2) {
			return vmstate.StackUnderflow
		}
		b := s.Pop()
		a := s.Pop()
		if !s.CanPush(1) {
			s.Push(a)
			s.Push(b)
			return vmstate.StackOverflow
		}
		s.Push(fn(a, b))
		return vmstate.Success
	}

	unary := func(fn func(a int32) int32) vmstate.Status {
		if !s.CanPop(1) {
			return vmstate.StackUnderflow
		}
		a := s.Pop()
		s.Push(fn(a))
		return vmstate.Success
	}

	boolInt := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}

	switch op {
	case stackcode.Add:
		return binary(func(a, b int32) int32 { return a + b }), false
	case stackcode.Sub:
		return binary(func(a, b int32) int32 { return a - b }), false
	case stackcode.Mul:
		return binary(func(a, b int32) int32 { return a * b }), false
	case stackcode.Div:
		return ExecuteDiv(s), false
	case stackcode.Mod:
		return ExecuteMod(s), false
	case stackcode.Inc:
		return unary(func(a int32) int32 { return a + 1 }), false
	case stackcode.Dec:
		return unary(func(a int32) int32 { return a - 1 }), false
	case stackcode.Max:
		return ExecuteMax(s), false
	case stackcode.Min:
		return ExecuteMin(s), false
	case stackcode.Lt:
		return binary(func(a, b int32) int32 { return boolInt(a < b) }), false
	case stackcode.Le:
		return binary(func(a, b int32) int32 { return boolInt(a <= b) }), false
	case stackcode.Eq:
		return binary(func(a, b int32) int32 { return boolInt(a == b) }), false
	case stackcode.Ge:
		return binary(func(a, b int32) int32 { return boolInt(a >= b) }), false
	case stackcode.Gt:
		return binary(func(a, b int32) int32 { return boolInt(a > b) }), false
	case stackcode.Drop:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		s.Pop()
		return vmstate.Success, false
	case stackcode.Dup:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		top := s.At(0)
		if !s.CanPush(1) {
			return vmstate.StackOverflow, false
		}
		s.Push(top)
		return vmstate.Success, false
	case stackcode.Ndup:
		return ExecuteNdup(s), false
	case stackcode.Swap:
		if !s.CanPop(2) {
			return vmstate.StackUnderflow, false
		}
		a, b := s.At(0), s.At(1)
		s.Set(0, b)
		s.Set(1, a)
		return vmstate.Success, false
	case stackcode.Rot:
		return ExecuteRot(s), false
	case stackcode.Nrot:
		return ExecuteNrot(s), false
	case stackcode.Tuck:
		return ExecuteTuck(s), false
	case stackcode.Ntuck:
		return ExecuteNtuck(s), false
	case stackcode.Size:
		return ExecuteSize(s), false
	case stackcode.Nrnd:
		return ExecuteNrnd(s), false
	case stackcode.Push8:
		if !s.CanPush(1) {
			return vmstate.StackOverflow, false
		}
		s.Push(state.Code.Push8Value(pc))
		return vmstate.Success, false
	case stackcode.Push16:
		if !s.CanPush(1) {
			return vmstate.StackOverflow, false
		}
		s.Push(state.Code.Push16Value(pc))
		return vmstate.Success, false
	case stackcode.Fetch:
		return ExecuteFetch(s, state.Code), false
	case stackcode.Call:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		dest := s.Pop()
		if !state.Code.InBounds(int(dest)) {
			return vmstate.OutOfBoundsFetch, false
		}
		if !s.CanPush(1) {
			return vmstate.StackOverflow, false
		}
		s.Push(state.ProgramCounter + int32(op.Width()))
		state.ProgramCounter = dest
		return vmstate.Success, true
	case stackcode.Ret:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		state.ProgramCounter = s.Pop()
		return vmstate.Success, true
	case stackcode.Jmp:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		dest := s.Pop()
		if !state.Code.InBounds(int(dest)) {
			return vmstate.OutOfBoundsFetch, false
		}
		state.ProgramCounter = dest
		return vmstate.Success, true
	case stackcode.Cjmp:
		if !s.CanPop(2) {
			return vmstate.StackUnderflow, false
		}
		dest := s.Pop()
		cond := s.Pop()
		if cond == 0 {
			state.ProgramCounter += int32(op.Width())
			return vmstate.Success, true
		}
		if !state.Code.InBounds(int(dest)) {
			return vmstate.OutOfBoundsFetch, false
		}
		state.ProgramCounter = dest
		return vmstate.Success, true
	case stackcode.Wait:
		if !s.CanPop(1) {
			return vmstate.StackUnderflow, false
		}
		s.Pop() // busy-wait duration is a no-op outside real hardware
		return vmstate.Success, false
	case stackcode.Halt:
		return vmstate.Success, false
	default:
		return vmstate.CompilerError, false
	}
}
