package regfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/thumb"
)

func TestNewSelectsRequestedVariant(t *testing.T) {
	n := New(ModeNaive, thumb.R1)
	_, ok := n.(*naiveAllocator)
	assert.True(t, ok)

	s := New(ModeStack, thumb.R1)
	_, ok = s.(*stackAllocator)
	assert.True(t, ok)

	c := New(ModeCOW, thumb.R1)
	_, ok = c.(*cowAllocator)
	assert.True(t, ok)
}

func TestNaiveEnsureTopReloadsEveryTime(t *testing.T) {
	rf := New(ModeNaive, thumb.R1)
	regs1, code1, err := rf.EnsureTop(2)
	require.NoError(t, err)
	assert.Len(t, regs1, 2)
	assert.NotEmpty(t, code1)

	regs2, code2, err := rf.EnsureTop(2)
	require.NoError(t, err)
	assert.Equal(t, regs1, regs2)
	assert.NotEmpty(t, code2)
}

func TestNaiveTooManyOperandsErrors(t *testing.T) {
	rf := New(ModeNaive, thumb.R1)
	_, _, err := rf.EnsureTop(len(Window) + 1)
	assert.Error(t, err)
}

func TestStackAllocatorCachesBetweenCalls(t *testing.T) {
	rf := New(ModeStack, thumb.R1)
	regsA, codeA, err := rf.EnsureTop(2)
	require.NoError(t, err)
	require.NotEmpty(t, codeA)

	regsB, codeB, err := rf.EnsureTop(2)
	require.NoError(t, err)
	assert.Equal(t, regsA, regsB)
	assert.Empty(t, codeB, "already-cached operands should need no further loads")
}

func TestStackAllocatorPushTracksNewTop(t *testing.T) {
	rf := New(ModeStack, thumb.R1)
	_, _, err := rf.EnsureTop(1)
	require.NoError(t, err)

	code := rf.Push(thumb.R6)
	assert.Empty(t, code, "pushing into a non-full window needs no spill")

	regs, more, err := rf.EnsureTop(1)
	require.NoError(t, err)
	assert.Empty(t, more)
	assert.Equal(t, thumb.R6, regs[0])
}

func TestStackAllocatorSpillsOnOverflow(t *testing.T) {
	rf := New(ModeStack, thumb.R1)
	for i := 0; i < len(Window); i++ {
		rf.Push(thumb.Register(int(thumb.R2) + i))
	}
	code := rf.Push(thumb.R3)
	assert.NotEmpty(t, code, "pushing past a full window must spill the oldest entry")
}

func TestStackAllocatorFlushClearsCache(t *testing.T) {
	rf := New(ModeStack, thumb.R1)
	rf.Push(thumb.R2)
	code := rf.Flush()
	assert.NotEmpty(t, code)

	_, more, err := rf.EnsureTop(1)
	require.NoError(t, err)
	assert.NotEmpty(t, more, "after a flush, the next read must reload from memory")
}

func TestCOWAllocatorConstantFolding(t *testing.T) {
	rf := New(ModeCOW, thumb.R1)
	_, code := rf.PushConstant(42)
	assert.Empty(t, code, "COW defers materialising a pushed constant")

	regs, more, err := rf.EnsureTop(1)
	require.NoError(t, err)
	assert.NotEmpty(t, more, "materialising the deferred constant emits a MOV")
	assert.Len(t, regs, 1)
}

func TestCOWAllocatorReadRegisterNeverOverwritten(t *testing.T) {
	rf := New(ModeCOW, thumb.R1)
	regs, _, err := rf.EnsureTop(1)
	require.NoError(t, err)
	readReg := regs[0]

	code := rf.Dup()
	assert.NotEmpty(t, code)

	regsAfter, _, err := rf.EnsureTop(2)
	require.NoError(t, err)
	assert.Equal(t, readReg, regsAfter[1], "the original read register still backs the now-second slot")
}

func TestComparisonRegistersRoundTrip(t *testing.T) {
	rf := New(ModeStack, thumb.R1)
	_, _, ok := rf.ComparisonRegisters()
	assert.False(t, ok)

	rf.NoteComparison(thumb.R2, thumb.R4)
	lhs, rhs, ok := rf.ComparisonRegisters()
	assert.True(t, ok)
	assert.Equal(t, thumb.R2, lhs)
	assert.Equal(t, thumb.R4, rhs)

	rf.Drop()
	_, _, ok = rf.ComparisonRegisters()
	assert.False(t, ok, "a stack mutation invalidates the fused-comparison state")
}
