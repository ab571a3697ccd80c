package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/stackcode"
	"microjit/vmstate"
)

func run(code []byte, stackWords int) *vmstate.State {
	state := vmstate.NewState(stackcode.NewArray(code), stackWords)
	Execute(state, nil)
	return state
}

func TestAddOfTwoConstants(t *testing.T) {
	state := run([]byte{
		byte(stackcode.Push8), 2,
		byte(stackcode.Push8), 3,
		byte(stackcode.Add),
		byte(stackcode.Halt),
	}, 8)

	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, int32(5), state.Stack.Peek())
}

func TestStackUnderflowOnAdd(t *testing.T) {
	state := run([]byte{
		byte(stackcode.Add),
		byte(stackcode.Halt),
	}, 8)

	assert.Equal(t, vmstate.StackUnderflow, state.Status)
	assert.Equal(t, uint32(0), state.ErrorPC)
}

func TestStackOverflowOnPush(t *testing.T) {
	state := run([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 1,
		byte(stackcode.Halt),
	}, 2)

	assert.Equal(t, vmstate.StackOverflow, state.Status)
}

func TestOutOfBoundsFetchOnRunoff(t *testing.T) {
	state := run([]byte{
		byte(stackcode.Push8), 1,
	}, 8)

	assert.Equal(t, vmstate.OutOfBoundsFetch, state.Status)
}

func TestConditionalBranchFusionScenario(t *testing.T) {
	// Literal bytecode from the conditional-branch-fusion scenario:
	// 18 25 18 2A 0B 18 0B 1E 18 0A 20 18 09 20
	code := []byte{
		0x18, 0x25,
		0x18, 0x2A,
		0x0B,
		0x18, 0x0B,
		0x1E,
		0x18, 0x0A,
		0x20,
		0x18, 0x09,
		0x20,
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	// 0x25 != 0x2A, so EQ pushes false and CJMP falls through to the
	// PUSH8 10 / HALT tail rather than taking the branch to offset 11.
	assert.Equal(t, int32(10), state.Stack.Peek())
}

func TestIterativeFibonacci(t *testing.T) {
	// prev=0, cur=1, counter=12; each pass: counter--, then
	// (prev, cur) = (cur, prev+cur), then loop while counter != 0.
	// Stack bottom-to-top is [prev cur counter] at the loop head (offset 6).
	code := []byte{
		byte(stackcode.Push8), 0, // 0: prev
		byte(stackcode.Push8), 1, // 2: cur
		byte(stackcode.Push8), 12, // 4: counter
		byte(stackcode.Dec),  // 6: loop head          [prev cur counter-1]
		byte(stackcode.Rot),  // 7:                    [cur counter prev]
		byte(stackcode.Rot),  // 8:                    [counter prev cur]
		byte(stackcode.Dup),  // 9:                    [counter prev cur cur]
		byte(stackcode.Rot),  // 10:                   [counter cur cur prev]
		byte(stackcode.Add),  // 11:                   [counter cur next]
		byte(stackcode.Rot),  // 12:                   [cur next counter]
		byte(stackcode.Dup),  // 13: test the counter
		byte(stackcode.Push8), 6, // 14: loop head address
		byte(stackcode.Cjmp), // 16: loop while counter != 0
		byte(stackcode.Drop), // 17: discard the spent counter
		byte(stackcode.Drop), // 18: discard cur, leaving fib(12)
		byte(stackcode.Halt), // 19
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, 1, state.Stack.Depth())
	assert.Equal(t, int32(144), state.Stack.Peek())
}

func TestGCDThroughCalledFunction(t *testing.T) {
	// Pushes two 16-bit values and calls a Euclidean GCD function. CALL
	// leaves the return address on top, so the callee first rotates it
	// beneath its two arguments and swaps it back up just before RET.
	code := []byte{
		byte(stackcode.Push16), 0x62, 0x02, // 0: 610
		byte(stackcode.Push16), 0xDB, 0x03, // 3: 987
		byte(stackcode.Push8), 10, // 6: gcd function offset
		byte(stackcode.Call), // 8
		byte(stackcode.Halt), // 9
		// gcd at 10, entered with [a b ret]:
		byte(stackcode.Rot),  // 10:                   [b ret a]
		byte(stackcode.Rot),  // 11:                   [ret a b]
		byte(stackcode.Dup),  // 12: loop head         [ret a b b]
		byte(stackcode.Push8), 19, // 13: continue address
		byte(stackcode.Cjmp), // 15: loop while b != 0
		byte(stackcode.Drop), // 16:                   [ret a]
		byte(stackcode.Swap), // 17:                   [a ret]
		byte(stackcode.Ret),  // 18: return with the gcd on top
		byte(stackcode.Dup),  // 19:                   [ret a b b]
		byte(stackcode.Rot),  // 20:                   [ret b b a]
		byte(stackcode.Swap), // 21:                   [ret b a b]
		byte(stackcode.Mod),  // 22:                   [ret b a%b]
		byte(stackcode.Push8), 12, // 23: loop head address
		byte(stackcode.Jmp), // 25
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, 1, state.Stack.Depth())
	assert.Equal(t, int32(1), state.Stack.Peek())
}

func TestDynamicCallThroughPushedAddress(t *testing.T) {
	// FETCH reads the call target from a data cell, so CALL's argument is
	// not a compile-time constant; the interpreter must still follow it.
	code := []byte{
		byte(stackcode.Push8), 5, // address of the data cell holding the target
		byte(stackcode.Fetch),
		byte(stackcode.Call),
		byte(stackcode.Halt),
		9, 0, 0, 0, // data cell: the function's start offset
		byte(stackcode.Ret), // function body at offset 9: immediately returns
	}
	state := run(code, 8)
	require.Equal(t, vmstate.Success, state.Status)
}

func TestNdupReplacesCountWithNthSlot(t *testing.T) {
	// Push 37, 42, then the count 2: NDUP replaces the count with the
	// value two slots below it, leaving the stack height unchanged.
	code := []byte{
		byte(stackcode.Push8), 37,
		byte(stackcode.Push8), 42,
		byte(stackcode.Push8), 2, // n
		byte(stackcode.Ndup),
		byte(stackcode.Halt),
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, 3, state.Stack.Depth(), "NDUP must not change the stack height")
	assert.Equal(t, int32(37), state.Stack.At(0))
	assert.Equal(t, int32(42), state.Stack.At(1))
	assert.Equal(t, int32(37), state.Stack.At(2))
}

func TestNdupBeyondDepthUnderflows(t *testing.T) {
	code := []byte{
		byte(stackcode.Push8), 5, // n reaches five slots that aren't there
		byte(stackcode.Ndup),
		byte(stackcode.Halt),
	}
	state := run(code, 16)
	assert.Equal(t, vmstate.StackUnderflow, state.Status)
}

func TestFetchReadsSignedHalfword(t *testing.T) {
	// The data cell at offset 5 holds 0xFFFE little-endian: FETCH must
	// read both bytes and sign-extend, not just the low byte.
	code := []byte{
		byte(stackcode.Push8), 5,
		byte(stackcode.Fetch),
		byte(stackcode.Halt),
		0x00,       // padding, never executed
		0xFE, 0xFF, // data cell: -2
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, 1, state.Stack.Depth())
	assert.Equal(t, int32(-2), state.Stack.Peek())
}

func TestFetchAtLastByteIsOutOfBounds(t *testing.T) {
	// A fetch at length-1 would read one byte past the end, so the
	// two-byte read makes it out of bounds.
	code := []byte{
		byte(stackcode.Push8), 4,
		byte(stackcode.Fetch),
		byte(stackcode.Halt),
		0x07,
	}
	state := run(code, 16)
	assert.Equal(t, vmstate.OutOfBoundsFetch, state.Status)
}

func TestSizeReportsCurrentDepth(t *testing.T) {
	code := []byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Size),
		byte(stackcode.Halt),
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, int32(2), state.Stack.Peek())
}

func TestDivByZeroPushesZero(t *testing.T) {
	code := []byte{
		byte(stackcode.Push8), 5,
		byte(stackcode.Push8), 0,
		byte(stackcode.Div),
		byte(stackcode.Halt),
	}
	state := run(code, 16)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, int32(0), state.Stack.Peek())
}
