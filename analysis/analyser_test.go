package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/config"
	"microjit/stackcode"
)

func TestAnalyseStraightLineHalt(t *testing.T) {
	// PUSH8 1, PUSH8 2, ADD, HALT
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	assert.True(t, r.Metadata(0)&FunctionStart != 0)
	assert.True(t, r.Metadata(0)&BasicBlockStart != 0)
	for i := 0; i < code.Len(); i++ {
		assert.True(t, r.Metadata(i)&Illegal == 0, "offset %d must not be Illegal", i)
	}
	assert.Len(t, r.Functions(), 1)
}

func TestAnalyseConditionalJumpSplitsBlocks(t *testing.T) {
	// 0: PUSH8 1            -> 2 bytes
	// 2: PUSH8 6            -> 2 bytes (jump target, offset 6)
	// 4: CJMP               -> 1 byte
	// 5: HALT               -> 1 byte (fallthrough block)
	// 6: HALT               -> 1 byte (jump target block)
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 6,
		byte(stackcode.Cjmp),
		byte(stackcode.Halt),
		byte(stackcode.Halt),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	assert.True(t, r.IsJumpDestination(6))
	assert.True(t, r.Metadata(6)&BasicBlockStart != 0)
	assert.True(t, r.Metadata(5)&BasicBlockStart != 0)
}

func TestAnalyseDirectCallDiscoversFunction(t *testing.T) {
	// 0: PUSH8 5   -> call target 5
	// 2: CALL
	// 3: HALT
	// ---- function at 5 ----
	// 5: RET
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 5,
		byte(stackcode.Call),
		byte(stackcode.Halt),
		0, // padding byte so function starts exactly at offset 5
		byte(stackcode.Ret),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	assert.True(t, r.IsCallDestination(5))
	assert.True(t, r.Metadata(5)&FunctionStart != 0)
	assert.Len(t, r.Functions(), 2)
}

func TestAnalyseTailCallDoesNotSetRecursion(t *testing.T) {
	// function at 0: PUSH8 0, CALL, RET  (self-call immediately followed by RET)
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 0,
		byte(stackcode.Call),
		byte(stackcode.Ret),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	assert.False(t, r.FunctionNeedsToPushRegisters(0))
}

func TestAnalyseNonTailRecursionSetsFlag(t *testing.T) {
	// function at 0: PUSH8 0, CALL, ADD, RET (self-call NOT immediately before RET)
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 0,
		byte(stackcode.Call),
		byte(stackcode.Add),
		byte(stackcode.Ret),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	assert.True(t, r.FunctionNeedsToPushRegisters(0))
}

func TestAnalyseDynamicCallSetsFlagWithoutResolving(t *testing.T) {
	// FETCH then CALL: the call target is not statically a push, so it must
	// be flagged dynamic rather than erroring.
	code := stackcode.NewArray([]byte{
		byte(stackcode.Fetch),
		byte(stackcode.Call),
		byte(stackcode.Halt),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)
	assert.True(t, r.HasDynamicCalls())
}

func TestAnalyseVariableJumpIsAnError(t *testing.T) {
	code := stackcode.NewArray([]byte{
		byte(stackcode.Fetch),
		byte(stackcode.Jmp),
	})

	_, err := Analyse(code, 0, config.Default())
	require.Error(t, err)
	aerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, VariableJumpNotAllowed, aerr.Status)
}

func TestAnalyseIllegalJumpTargetIsAnError(t *testing.T) {
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 100, // well out of bounds
		byte(stackcode.Jmp),
	})

	_, err := Analyse(code, 0, config.Default())
	require.Error(t, err)
	aerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, IllegalJump, aerr.Status)
}

func TestMetadataSoundnessAcrossWholeProgram(t *testing.T) {
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Lt),
		byte(stackcode.Push8), 10,
		byte(stackcode.Cjmp),
		byte(stackcode.Halt),
		0,
		byte(stackcode.Halt),
	})

	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	for i := 0; i < code.Len(); i++ {
		m := r.Metadata(i)
		assert.NoError(t, m.Validate())
		if m&Code != 0 {
			assert.True(t, m&Illegal == 0)
		}
	}
}

func TestStackEffectOfStraightLineBlock(t *testing.T) {
	code := stackcode.NewArray([]byte{
		byte(stackcode.Push8), 1,
		byte(stackcode.Push8), 2,
		byte(stackcode.Add),
		byte(stackcode.Halt),
	})
	r, err := Analyse(code, 0, config.Default())
	require.NoError(t, err)

	blocks := r.BasicBlocksForFunction(r.Functions()[0])
	require.Len(t, blocks, 1)

	eff := r.StackEffect(blocks[0])
	assert.True(t, eff.DeterministicPops)
	assert.Equal(t, 0, eff.PopMax)
}
