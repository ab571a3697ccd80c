// Package bitops provides the low-level bit-field extraction and
// two's-complement packing primitives the Thumb encoder and decoder are
// built on top of.
package bitops

import "github.com/pkg/errors"

// ErrTooBigImmediate is returned by PackTwos when the signed value does not
// fit in the requested number of bits.
var ErrTooBigImmediate = errors.New("bitops: value does not fit in requested bit width")

// Extract returns the field of length bits starting at bit offset (0 being
// the least-significant bit) of value.
func Extract(value uint32, offset, length uint) uint32 {
	if length >= 32 {
		return value >> offset
	}
	mask := uint32(1)<<length - 1
	return (value >> offset) & mask
}

// PackTwos represents signed in the low bits two's-complement bits,
// returning ErrTooBigImmediate if signed does not fit in that width.
func PackTwos(signed int32, bits uint) (uint32, error) {
	lo := -(int32(1) << (bits - 1))
	hi := int32(1)<<(bits-1) - 1
	if signed < lo || signed > hi {
		return 0, errors.Wrapf(ErrTooBigImmediate, "%d does not fit in %d bits", signed, bits)
	}
	mask := uint32(1)<<bits - 1
	return uint32(signed) & mask, nil
}

// UnpackTwos is the inverse of PackTwos: it sign-extends the low bits bits
// of value from two's-complement representation.
func UnpackTwos(value uint32, bits uint) int32 {
	mask := uint32(1)<<bits - 1
	v := value & mask
	signBit := uint32(1) << (bits - 1)
	if v&signBit != 0 {
		return int32(v) - int32(mask) - 1
	}
	return int32(v)
}

// UintRegion extracts an unsigned bit-field over the inclusive range
// [lowBit, highBit].
func UintRegion(value uint32, lowBit, highBit uint) uint32 {
	return Extract(value, lowBit, highBit-lowBit+1)
}
