package interp

import (
	"microjit/stackcode"
	"microjit/vmstate"
)

// This file holds the operation helpers Execute calls for instructions
// too irregular to lower as a handful of native Thumb instructions (no
// hardware divide on Cortex-M0+, and NROT/NTUCK need a runtime-variable
// element count). codegen's helper call sites do not reach these
// functions; they branch to stubs that return without performing the
// operation. Each checks its own overflow/underflow preconditions so a caller never
// has to duplicate the OVERFLOW_CHECK/UNDERFLOW_CHECK pairing by hand.

// ExecuteDiv pops two words and pushes their truncating quotient.
// Division by zero pushes zero rather than faulting, matching the
// embedded target's lack of a hardware trap for it.
func ExecuteDiv(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(2) {
		return vmstate.StackUnderflow
	}
	b := s.Pop()
	a := s.Pop()
	var result int32
	if b != 0 {
		result = a / b
	}
	s.Push(result)
	return vmstate.Success
}

// ExecuteMod pops two words and pushes their truncating remainder.
func ExecuteMod(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(2) {
		return vmstate.StackUnderflow
	}
	b := s.Pop()
	a := s.Pop()
	var result int32
	if b != 0 {
		result = a % b
	}
	s.Push(result)
	return vmstate.Success
}

// ExecuteMax pops two words and pushes the larger.
func ExecuteMax(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(2) {
		return vmstate.StackUnderflow
	}
	b := s.Pop()
	a := s.Pop()
	if b > a {
		a = b
	}
	s.Push(a)
	return vmstate.Success
}

// ExecuteMin pops two words and pushes the smaller.
func ExecuteMin(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(2) {
		return vmstate.StackUnderflow
	}
	b := s.Pop()
	a := s.Pop()
	if b < a {
		a = b
	}
	s.Push(a)
	return vmstate.Success
}

// ExecuteNdup replaces the count n on top of the stack with the value n
// slots below it, leaving the stack height unchanged — the same
// single-slot fetch the compiled lowering performs with a scaled indexed
// load.
func ExecuteNdup(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(1) {
		return vmstate.StackUnderflow
	}
	n := int(s.At(0))
	if n < 0 {
		return vmstate.UnknownFailure
	}
	if !s.CanPop(n + 1) {
		return vmstate.StackUnderflow
	}
	s.Set(0, s.At(n))
	return vmstate.Success
}

// ExecuteRot pops the top three words (a b c, c on top) and pushes
// b c a: the third-from-top element moves to the top.
func ExecuteRot(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(3) {
		return vmstate.StackUnderflow
	}
	c := s.Pop()
	b := s.Pop()
	a := s.Pop()
	s.Push(b)
	s.Push(c)
	s.Push(a)
	return vmstate.Success
}

// ExecuteNrot is ROT generalised over a runtime-popped count: the bottom
// element of an n-word block moves to the top of that block.
func ExecuteNrot(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(1) {
		return vmstate.StackUnderflow
	}
	n := int(s.At(0))
	if n < 1 {
		return vmstate.UnknownFailure
	}
	if !s.CanPop(n + 1) {
		return vmstate.StackUnderflow
	}
	s.Pop() // discard the count
	values := make([]int32, n)
	for i := 0; i < n; i++ {
		values[n-1-i] = s.Pop()
	}
	bottom := values[0]
	for i := 1; i < n; i++ {
		s.Push(values[i])
	}
	s.Push(bottom)
	return vmstate.Success
}

// ExecuteTuck pops the top three words (a b c, c on top) and pushes
// c a b: the top element moves beneath the remaining two.
func ExecuteTuck(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(3) {
		return vmstate.StackUnderflow
	}
	c := s.Pop()
	b := s.Pop()
	a := s.Pop()
	s.Push(c)
	s.Push(a)
	s.Push(b)
	return vmstate.Success
}

// ExecuteNtuck is TUCK generalised over a runtime-popped count: the top
// element moves beneath the remaining n-1 words of the block.
func ExecuteNtuck(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(1) {
		return vmstate.StackUnderflow
	}
	n := int(s.At(0))
	if n < 1 {
		return vmstate.UnknownFailure
	}
	if !s.CanPop(n + 1) {
		return vmstate.StackUnderflow
	}
	s.Pop() // discard the count
	values := make([]int32, n)
	for i := 0; i < n; i++ {
		values[n-1-i] = s.Pop()
	}
	top := values[n-1]
	s.Push(top)
	for i := 0; i < n-1; i++ {
		s.Push(values[i])
	}
	return vmstate.Success
}

// ExecuteSize pushes the current stack depth without consuming anything.
func ExecuteSize(s *vmstate.Stack) vmstate.Status {
	if !s.CanPush(1) {
		return vmstate.StackOverflow
	}
	s.Push(int32(s.Depth()))
	return vmstate.Success
}

// ExecuteNrnd pops one bound n and pushes a pseudo-random value in
// [0, n). A zero or negative bound pushes zero.
func ExecuteNrnd(s *vmstate.Stack) vmstate.Status {
	if !s.CanPop(1) {
		return vmstate.StackUnderflow
	}
	n := s.Pop()
	var result int32
	if n > 0 {
		result = pseudoRandom() % n
	}
	s.Push(result)
	return vmstate.Success
}

// ExecuteFetch replaces the address on top of the stack with the signed
// little-endian 16-bit value stored at that code offset. The two-byte
// read makes length-2 the last fetchable address, the same bound the
// compiled lowering's guard enforces.
func ExecuteFetch(s *vmstate.Stack, code stackcode.Array) vmstate.Status {
	if !s.CanPop(1) {
		return vmstate.StackUnderflow
	}
	addr := int(s.At(0))
	if addr < 0 || addr+1 >= code.Len() {
		return vmstate.OutOfBoundsFetch
	}
	s.Set(0, code.FetchValue(addr))
	return vmstate.Success
}

// pseudoRandomState is a simple xorshift generator seeded at package init.
// NRND's exact distribution is left open, and a real
// hardware RNG is out of scope for this portable core; this keeps the
// operation total and deterministic-within-a-process rather than reaching
// for crypto/rand for a non-cryptographic use.
var pseudoRandomState uint32 = 0x2545F491

func pseudoRandom() int32 {
	x := pseudoRandomState
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	pseudoRandomState = x
	if x == 0 {
		x = 1
	}
	return int32(x & 0x7fffffff)
}
