package thumb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microjit/thumb"
)

func TestCodeBufferAppendAndRead(t *testing.T) {
	cb, err := thumb.NewCodeBuffer(4)
	require.NoError(t, err)
	defer cb.Close()

	e := thumb.NewEncoder()
	word := e.Nop()
	require.NoError(t, cb.Append(word))
	assert.Equal(t, 1, cb.Length())
	assert.Equal(t, word, cb.At(0))
}

func TestCodeBufferGrowPreservesContents(t *testing.T) {
	cb, err := thumb.NewCodeBuffer(1)
	require.NoError(t, err)
	defer cb.Close()

	e := thumb.NewEncoder()
	for i := 0; i < 4096; i++ {
		require.NoError(t, cb.Append(e.Nop()))
	}
	require.NoError(t, cb.Append(e.MoveImmediate(thumb.R0, 7)))
	assert.Equal(t, e.MoveImmediate(thumb.R0, 7), cb.At(4096))
}

func TestCodeBufferCommitRequiredForFunctionPointer(t *testing.T) {
	cb, err := thumb.NewCodeBuffer(1)
	require.NoError(t, err)
	defer cb.Close()

	e := thumb.NewEncoder()
	require.NoError(t, cb.Append(e.Ret()))

	_, err = cb.FunctionPointer()
	assert.Error(t, err)

	require.NoError(t, cb.Commit())
	ptr, err := cb.FunctionPointer()
	require.NoError(t, err)
	assert.NotZero(t, ptr)
	assert.Equal(t, uintptr(1), ptr&1)
}

func TestCodeBufferPatch(t *testing.T) {
	cb, err := thumb.NewCodeBuffer(2)
	require.NoError(t, err)
	defer cb.Close()

	e := thumb.NewEncoder()
	require.NoError(t, cb.Append(e.Nop()))
	cb.Patch(0, e.Ret())
	assert.Equal(t, e.Ret(), cb.At(0))
}
