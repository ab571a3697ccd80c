package bitops_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"microjit/bitops"
)

func TestExtract(t *testing.T) {
	assert.Equal(t, uint32(0b101), bitops.Extract(0b110101, 0, 3))
	assert.Equal(t, uint32(0b110), bitops.Extract(0b110101, 3, 3))
	assert.Equal(t, uint32(0xFFFFFFFF), bitops.Extract(0xFFFFFFFF, 0, 32))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for bits := uint(2); bits <= 16; bits++ {
		lo := -(int32(1) << (bits - 1))
		hi := int32(1)<<(bits-1) - 1
		for x := lo; x <= hi; x++ {
			packed, err := bitops.PackTwos(x, bits)
			assert.NoError(t, err)
			assert.Equal(t, x, bitops.UnpackTwos(packed, bits))
		}
	}
}

func TestPackTwosTooBig(t *testing.T) {
	_, err := bitops.PackTwos(200, 8)
	assert.ErrorIs(t, err, bitops.ErrTooBigImmediate)

	_, err = bitops.PackTwos(-200, 8)
	assert.ErrorIs(t, err, bitops.ErrTooBigImmediate)

	_, err = bitops.PackTwos(127, 8)
	assert.NoError(t, err)

	_, err = bitops.PackTwos(-128, 8)
	assert.NoError(t, err)
}

func TestUintRegion(t *testing.T) {
	assert.Equal(t, uint32(0b1011), bitops.UintRegion(0b1011_0000, 4, 7))
}
