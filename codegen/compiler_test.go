package codegen

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/config"
	"microjit/interp"
	"microjit/stackcode"
	"microjit/thumb"
	"microjit/vmstate"
)

func compile(t *testing.T, cfg config.Config, code []byte) (*Compiler, *Program) {
	t.Helper()
	c := NewCompiler(cfg, stackcode.NewArray(code), nil)
	program, err := c.Compile(0)
	require.NoError(t, err)
	require.NotNil(t, program)
	t.Cleanup(func() { _ = program.Buffer.Close() })
	return c, program
}

// decodeAll renders every emitted word so tests can assert on the
// instruction mix the same way a human reading -dump-asm output would.
func decodeAll(p *Program) []string {
	out := make([]string, p.Buffer.Length())
	for i := 0; i < p.Buffer.Length(); i++ {
		out[i] = thumb.Decode(p.Buffer.At(i))
	}
	return out
}

func countPrefix(asm []string, prefix string) int {
	n := 0
	for _, line := range asm {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestCompileAddOfConstants(t *testing.T) {
	c, program := compile(t, config.Default(), []byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})

	assert.Equal(t, Done, c.State())
	assert.Equal(t, Success, c.Status())
	assert.Equal(t, 0, program.EntryWordOffset)
	assert.Contains(t, program.BlockWordOffset, 0)
	assert.Greater(t, program.Buffer.Length(), 0)

	// Both operands are compile-time constants under the default COW
	// allocator, so no add instruction survives: the folded 3 is
	// materialised directly.
	asm := decodeAll(program)
	assert.Zero(t, countPrefix(asm, "add r2, r"), "folded arithmetic must not emit a register add")
	assert.Contains(t, asm, "mov r2, #3")
}

func TestCompileAddWithStackAllocatorEmitsAdd(t *testing.T) {
	cfg := config.Default()
	cfg.RegisterAllocationMode = config.Stack
	_, program := compile(t, cfg, []byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})

	asm := decodeAll(program)
	assert.NotZero(t, countPrefix(asm, "add r"), "non-folding allocator must emit the add")
}

func TestFusedComparisonEmitsSingleCmpAndBeq(t *testing.T) {
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
	cfg := config.Default()
	cfg.StackCheckMode = config.NoStackCheck // isolate the comparison lowering
	_, program := compile(t, cfg, code)

	asm := decodeAll(program)
	assert.Equal(t, 1, countPrefix(asm, "cmp "), "fusion leaves exactly one comparison")
	assert.Equal(t, 1, countPrefix(asm, "beq "), "fused EQ/CJMP lowers to a single conditional branch")
	assert.NotContains(t, asm, "mov r2, #1", "no boolean is ever materialised")
}

func TestNaiveBranchingMaterialisesBoolean(t *testing.T) {
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
	cfg := config.Default()
	cfg.ConditionalBranchingMode = config.NaiveBranching
	cfg.StackCheckMode = config.NoStackCheck
	_, program := compile(t, cfg, code)

	asm := decodeAll(program)
	assert.Contains(t, asm, "mov r2, #1", "naive mode materialises the comparison result")
	assert.Contains(t, asm, "cmp r3, #0", "naive CJMP re-tests the materialised boolean")
}

func TestBoundsCheckBranchesToHandlers(t *testing.T) {
	_, program := compile(t, config.Default(), []byte{
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})

	asm := decodeAll(program)
	// ADD on an empty stack projects a two-word pop, so the block preamble
	// carries an underflow guard branching to the shared handler.
	assert.NotZero(t, countPrefix(asm, "bhi "), "underflow guard uses an unsigned-higher branch")
	assert.Contains(t, asm, "mov r0, #"+strconv.Itoa(int(vmstate.StackUnderflow)))
	assert.Contains(t, asm, "mov r0, #"+strconv.Itoa(int(vmstate.StackOverflow)))
	assert.Contains(t, asm, "mov r0, #"+strconv.Itoa(int(vmstate.Success)))
}

func TestNoStackCheckElidesGuards(t *testing.T) {
	cfg := config.Default()
	cfg.StackCheckMode = config.NoStackCheck
	_, program := compile(t, cfg, []byte{
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})

	asm := decodeAll(program)
	assert.Zero(t, countPrefix(asm, "bhi "))
	assert.Zero(t, countPrefix(asm, "bcc "))
}

func TestCallLowersToLongBranchPair(t *testing.T) {
	_, program := compile(t, config.Default(), []byte{
		byte(stackcode.Push8), 4,
		byte(stackcode.Call),
		byte(stackcode.Halt),
		byte(stackcode.Ret), // callee at offset 4
	})

	asm := decodeAll(program)
	assert.Equal(t, 1, countPrefix(asm, "bl.hi "), "static call emits the long BL pair")
	assert.Equal(t, 1, countPrefix(asm, "bl.lo "))
	assert.Contains(t, asm, "bx r14", "the leaf callee returns through bx lr")
}

func TestSelfTailCallBecomesBranch(t *testing.T) {
	_, program := compile(t, config.Default(), []byte{
		byte(stackcode.Push8), 0,
		byte(stackcode.Call),
		byte(stackcode.Ret),
	})

	asm := decodeAll(program)
	assert.Zero(t, countPrefix(asm, "bl.hi "), "a tail call must not emit a BL pair")
	assert.NotZero(t, countPrefix(asm, "b #"), "the tail call branches straight to the callee")
}

func TestRecursiveFunctionPushesAndPopsLinkRegister(t *testing.T) {
	// Entry calls a callee that is itself a (non-tail) recursive shape:
	// the callee calls its own offset again before returning, so analysis
	// refuses the leaf epilogue and the callee saves lr.
	code := []byte{
		byte(stackcode.Push8), 4,
		byte(stackcode.Call),
		byte(stackcode.Halt),
		byte(stackcode.Push8), 4, // callee at 4: non-tail self call
		byte(stackcode.Call),
		byte(stackcode.Drop),
		byte(stackcode.Ret),
	}
	_, program := compile(t, config.Default(), code)

	asm := decodeAll(program)
	assert.Contains(t, asm, "push {lr}", "recursive callee saves lr on entry")
	assert.Contains(t, asm, "pop {pc}", "recursive callee returns through pop {pc}")
}

func TestVariableJumpFailsAnalysis(t *testing.T) {
	c := NewCompiler(config.Default(), stackcode.NewArray([]byte{
		byte(stackcode.Jmp),
	}), nil)

	_, err := c.Compile(0)
	require.Error(t, err)
	assert.Equal(t, StaticAnalysisFailed, c.Status())
}

func TestCompileTwiceIsRejected(t *testing.T) {
	c, _ := compile(t, config.Default(), []byte{byte(stackcode.Halt)})
	_, err := c.Compile(0)
	assert.Error(t, err)
}

type recordingObserver struct {
	states    []State
	blocks    int
	functions int
	completed []Status
}

func (r *recordingObserver) OnStateChanged(_, to State)          { r.states = append(r.states, to) }
func (r *recordingObserver) OnBlockCompiled(stackcode.Region)    { r.blocks++ }
func (r *recordingObserver) OnFunctionCompiled(stackcode.Region) { r.functions++ }
func (r *recordingObserver) OnCompileComplete(s Status)          { r.completed = append(r.completed, s) }

func TestObserverSeesFullStateMachine(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCompiler(config.Default(), stackcode.NewArray([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Halt),
	}), nil)
	c.AddObserver(obs)

	program, err := c.Compile(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = program.Buffer.Close() })

	require.NotEmpty(t, obs.states)
	assert.Equal(t, AnalysisComplete, obs.states[0])
	assert.Equal(t, Done, obs.states[len(obs.states)-1])
	assert.Equal(t, 1, obs.functions)
	assert.GreaterOrEqual(t, obs.blocks, 1)
	assert.Equal(t, []Status{Success}, obs.completed)
}

func TestRemoveObserverStopsNotifications(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCompiler(config.Default(), stackcode.NewArray([]byte{
		byte(stackcode.Halt),
	}), nil)
	c.AddObserver(obs)
	c.RemoveObserver(obs)

	program, err := c.Compile(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = program.Buffer.Close() })

	assert.Empty(t, obs.states)
	assert.Empty(t, obs.completed)
}

func TestDynamicCallCompilesOnDemand(t *testing.T) {
	// SIZE pushes a runtime value the CALL consumes, so analysis flags a
	// dynamic call and the callee at offset 3 stays undiscovered until
	// CompileFunctionDynamically names it.
	code := []byte{
		byte(stackcode.Size),
		byte(stackcode.Call),
		byte(stackcode.Halt),
		byte(stackcode.Ret), // dynamic target at offset 3
	}
	c, program := compile(t, config.Default(), code)
	require.True(t, program.Result.HasDynamicCalls())

	before := program.Buffer.Length()
	entryWord, err := c.CompileFunctionDynamically(3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, entryWord, before, "the new function appends behind the existing code")

	// Second request for the same target is answered from bookkeeping
	// without growing the buffer.
	grown := program.Buffer.Length()
	again, err := c.CompileFunctionDynamically(3)
	require.NoError(t, err)
	assert.Equal(t, entryWord, again)
	assert.Equal(t, grown, program.Buffer.Length())
}

func TestNdupCompiledMatchesInterpreter(t *testing.T) {
	// Push 37, 42, count 2, NDUP: both executors implement the same
	// single-slot fetch-and-replace, so the interpreter's observable
	// result and the compiled instruction sequence are checked side by
	// side.
	code := []byte{
		byte(stackcode.Push8), 37,
		byte(stackcode.Push8), 42,
		byte(stackcode.Push8), 2,
		byte(stackcode.Ndup),
		byte(stackcode.Halt),
	}

	state := vmstate.NewState(stackcode.NewArray(code), 16)
	interp.Execute(state, nil)
	require.Equal(t, vmstate.Success, state.Status)
	assert.Equal(t, 3, state.Stack.Depth(), "the interpreter leaves the height unchanged")
	assert.Equal(t, int32(37), state.Stack.Peek(), "the count is replaced by the slot two below it")

	_, program := compile(t, config.Default(), code)
	asm := decodeAll(program)
	// The compiled form is the same single-slot replacement: scale the
	// count to a byte offset, index off the stack pointer, write back over
	// the count's slot. No helper call, no stack-pointer adjustment.
	assert.Contains(t, asm, "lsl r2, r2, #2")
	assert.Contains(t, asm, "ldr r2, [r1, r2]")
	assert.Contains(t, asm, "str r2, [r1, #0]")
	assert.Zero(t, countPrefix(asm, "bl.hi "), "NDUP never routes through a helper")
}

func TestFetchLowersNatively(t *testing.T) {
	code := []byte{
		byte(stackcode.Push8), 5,
		byte(stackcode.Fetch),
		byte(stackcode.Halt),
		0x00,
		0xFE, 0xFF, // data cell the fetch would read at run time
	}
	_, program := compile(t, config.Default(), code)

	asm := decodeAll(program)
	assert.Zero(t, countPrefix(asm, "bl.hi "), "FETCH must not route through a helper call")
	assert.Contains(t, asm, "ldrsh r2, [r3, r2]", "the two-byte read sign-extends in one indexed load")
	assert.NotZero(t, countPrefix(asm, "bcs "), "the address guard branches unsigned-higher-or-same")
	assert.Contains(t, asm, "mov r0, #"+strconv.Itoa(int(vmstate.OutOfBoundsFetch)),
		"an out-of-range address exits through its own handler")
}

func TestHelperOpcodesReserveCallSites(t *testing.T) {
	_, program := compile(t, config.Default(), []byte{
		byte(stackcode.Push8), 10,
		byte(stackcode.Push8), 3,
		byte(stackcode.Div),
		byte(stackcode.Halt),
	})

	asm := decodeAll(program)
	assert.Equal(t, 1, countPrefix(asm, "bl.hi "), "DIV routes through its shared helper stub")
	// The post-call reload re-establishes r1 from VMState and r2 behind it.
	assert.Contains(t, asm, "ldr r1, [r0, #0]")
	assert.Contains(t, asm, "ldr r2, [r1, #0]")
}

func TestSupersessionElidesSecondBoundsCheck(t *testing.T) {
	// Two straight-line blocks where the first block's effect dominates
	// the fall-through's: a jump target splits the blocks, and the second
	// block's guard can be skipped under BoundsCheckElimination.
	code := []byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Add), // block 0: pop 2, push 1
		byte(stackcode.Push8), 8,
		byte(stackcode.Jmp),
		byte(stackcode.Drop), // block at 8: pop 1 — superseded by block 0
		byte(stackcode.Halt),
	}

	withElision := config.Default()
	_, eliding := compile(t, withElision, code)

	withoutElision := config.Default()
	withoutElision.BoundsCheckElimination = false
	_, checking := compile(t, withoutElision, code)

	assert.Less(t, eliding.Buffer.Length(), checking.Buffer.Length(),
		"eliding a superseded guard must shrink the emitted code")
}
