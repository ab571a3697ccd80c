package linker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/thumb"
)

func newBuffer(t *testing.T) *thumb.CodeBuffer {
	t.Helper()
	buf, err := thumb.NewCodeBuffer(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func TestUnconditionalBranchResolvesForward(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.Reserve(buf, UnconditionalBranchKind, thumb.CondAL, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, site)

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Append(0)) // filler block
	}
	targetWord := buf.Length()

	err = table.Link(buf, map[int]int{100: targetWord}, nil)
	require.NoError(t, err)

	word := buf.At(site)
	assert.Equal(t, uint16(0b11100<<11), word&(0b11111<<11), "must encode an unconditional branch opcode")
}

func TestCallResolvesToLongBranchPair(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.Reserve(buf, CallKind, thumb.CondAL, 50)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Append(0))
	}
	targetWord := buf.Length()

	require.NoError(t, table.Link(buf, map[int]int{50: targetWord}, nil))

	hi := buf.At(site)
	lo := buf.At(site + 1)
	assert.Equal(t, uint16(0xF000), hi&0xF800)
	assert.Equal(t, uint16(0xF800), lo&0xF800)
}

func TestConditionalBranchInRangeUsesSingleBcc(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.Reserve(buf, ConditionalBranchKind, thumb.CondLT, 7)
	require.NoError(t, err)

	require.NoError(t, buf.Append(0)) // small gap, well within Bcc range
	targetWord := buf.Length()

	require.NoError(t, table.Link(buf, map[int]int{7: targetWord}, nil))

	tail := buf.At(site + 1)
	assert.Equal(t, uint16(0b1101<<12), tail&0xF000, "must encode Bcc in the tail slot")
}

func TestConditionalBranchOutOfRangeFallsBackToUnconditional(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.Reserve(buf, ConditionalBranchKind, thumb.CondLT, 999)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, buf.Append(0))
	}
	targetWord := buf.Length()

	require.NoError(t, table.Link(buf, map[int]int{999: targetWord}, nil))

	first := buf.At(site)
	second := buf.At(site + 1)
	assert.Equal(t, uint16(0b1101<<12), first&0xF000, "inverted Bcc skips over the fallback branch")
	assert.Equal(t, uint16(0b11100<<11), second&(0b11111<<11), "fallback unconditional branch reaches the real target")
}

func TestMinimalConditionalBranchUsesThreeWordBudget(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.Reserve(buf, MinimalConditionalBranchKind, thumb.CondEQ, 3)
	require.NoError(t, err)

	require.NoError(t, buf.Append(0))
	targetWord := buf.Length()

	require.NoError(t, table.Link(buf, map[int]int{3: targetWord}, nil))

	assert.Equal(t, uint16(0b1101<<12), buf.At(site)&0xF000)
	assert.Equal(t, (&thumb.Encoder{}).Nop(), buf.At(site+2))
}

func TestSpecialLocationResolvesIndependentlyOfBlockMap(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	site, err := table.ReserveSpecial(buf, thumb.CondHI, StackOverflowLocation)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Append(0))
	}
	haltWord := buf.Length()

	err = table.Link(buf, nil, map[SpecialLocation]int{StackOverflowLocation: haltWord})
	require.NoError(t, err)

	assert.Equal(t, uint16(0b1101<<12), buf.At(site+1)&0xF000, "in range, the Bcc sits in the tail slot")
}

func TestLinkErrorsOnUnresolvedTarget(t *testing.T) {
	buf := newBuffer(t)
	table := NewTable()

	_, err := table.Reserve(buf, UnconditionalBranchKind, thumb.CondAL, 42)
	require.NoError(t, err)

	err = table.Link(buf, map[int]int{}, nil)
	assert.ErrorIs(t, err, ErrUnresolvedTarget)
}
