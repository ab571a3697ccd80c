// Package thumb implements a bit-exact ARMv6-M (Cortex-M0+) 16-bit Thumb
// instruction encoder/decoder, plus the CodeBuffer that makes emitted
// instructions executable.
//
// The encoder is a session (Encoder), not package-level mutable state: a
// caller constructs one per compilation, performs a sequence of encodings,
// and inspects the session's accumulated sticky error flags once. This
// avoids the cross-call leakage a global flag trio would otherwise invite.
package thumb

import (
	"github.com/pkg/errors"

	"microjit/bitops"
)

// EncodingErrors holds the three sticky violation flags an encoding
// session accumulates; they live on an Encoder value rather than as
// process-wide globals, so nothing leaks across compilations.
type EncodingErrors struct {
	IncorrectUseOfLowRegister bool
	TooBigBranchOffset        bool
	TooBigImmediate           bool
}

// Any reports whether any sticky flag has been raised.
func (e EncodingErrors) Any() bool {
	return e.IncorrectUseOfLowRegister || e.TooBigBranchOffset || e.TooBigImmediate
}

// ErrUnexercisedEncoding is returned by the TST/CMN/CMP(2) forms, left as
// TODO since no known caller exercises them. See DESIGN.md for the
// rationale.
var ErrUnexercisedEncoding = errors.New("thumb: encoding not exercised by any known test path")

// Encoder accumulates sticky encoding-violation flags across a single
// compilation session. Every encode method is otherwise a pure function of
// its arguments.
type Encoder struct {
	errs EncodingErrors
}

// NewEncoder returns a session with clean error flags.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Errors returns a snapshot of the session's sticky flags.
func (e *Encoder) Errors() EncodingErrors {
	return e.errs
}

// Reset clears the session's accumulated flags so it can be reused for a
// new compilation attempt.
func (e *Encoder) Reset() {
	e.errs = EncodingErrors{}
}

func (e *Encoder) assertLowRegister(r Register) {
	if !r.IsLow() {
		e.errs.IncorrectUseOfLowRegister = true
	}
}

func (e *Encoder) assertImmediateFits(value, bits uint32) {
	if value >= (uint32(1) << bits) {
		e.errs.TooBigImmediate = true
	}
}

func (e *Encoder) assertBranchFits(offsetInstructions int, bits uint) {
	lo := -(1 << (bits - 1))
	hi := (1 << (bits - 1)) - 1
	if offsetInstructions < lo || offsetInstructions > hi {
		e.errs.TooBigBranchOffset = true
	}
}

// --- Pseudo-instructions ---

// Nop encodes the canonical nop ≡ mov r8,r8.
func (e *Encoder) Nop() uint16 {
	return e.MoveHighToHigh(R8, R8)
}

// Ret encodes the canonical ret ≡ bx lr.
func (e *Encoder) Ret() uint16 {
	return e.BranchExchange(LR)
}

// --- Shifts, format 1 ---

func (e *Encoder) shiftImmediate(opcode uint16, dest, src Register, imm5 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	e.assertImmediateFits(imm5, 5)
	return opcode<<11 | uint16(imm5&0x1f)<<6 | uint16(src)<<3 | uint16(dest)
}

func (e *Encoder) LogicalShiftLeftImmediate(dest, src Register, imm5 uint32) uint16 {
	return e.shiftImmediate(0b000_00, dest, src, imm5)
}

func (e *Encoder) LogicalShiftRightImmediate(dest, src Register, imm5 uint32) uint16 {
	return e.shiftImmediate(0b000_01, dest, src, imm5)
}

func (e *Encoder) ArithmeticShiftRightImmediate(dest, src Register, imm5 uint32) uint16 {
	return e.shiftImmediate(0b000_10, dest, src, imm5)
}

// --- Add/sub register and small immediate, format 2 ---

func (e *Encoder) AddRegisters(dest, first, second Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(first)
	e.assertLowRegister(second)
	return 0b0001100<<9 | uint16(second)<<6 | uint16(first)<<3 | uint16(dest)
}

func (e *Encoder) SubRegisters(dest, first, second Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(first)
	e.assertLowRegister(second)
	return 0b0001101<<9 | uint16(second)<<6 | uint16(first)<<3 | uint16(dest)
}

func (e *Encoder) AddSmallImm(dest, src Register, imm3 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	e.assertImmediateFits(imm3, 3)
	return 0b0001110<<9 | uint16(imm3&0x7)<<6 | uint16(src)<<3 | uint16(dest)
}

func (e *Encoder) SubSmallImm(dest, src Register, imm3 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	e.assertImmediateFits(imm3, 3)
	return 0b0001111<<9 | uint16(imm3&0x7)<<6 | uint16(src)<<3 | uint16(dest)
}

// --- Move/compare/add/sub immediate, format 3 ---

func (e *Encoder) MoveImmediate(dest Register, imm8 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8, 8)
	return 0b00100<<11 | uint16(dest)<<8 | uint16(imm8&0xff)
}

func (e *Encoder) CompareImmediate(reg Register, imm8 uint32) uint16 {
	e.assertLowRegister(reg)
	e.assertImmediateFits(imm8, 8)
	return 0b00101<<11 | uint16(reg)<<8 | uint16(imm8&0xff)
}

func (e *Encoder) AddLargeImm(dest Register, imm8 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8, 8)
	return 0b00110<<11 | uint16(dest)<<8 | uint16(imm8&0xff)
}

func (e *Encoder) SubLargeImm(dest Register, imm8 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8, 8)
	return 0b00111<<11 | uint16(dest)<<8 | uint16(imm8&0xff)
}

// --- ALU operations, format 4 ---

func (e *Encoder) aluOp(op ArithmeticLogicOperation, dest, src Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	return 0b010000<<10 | uint16(op)<<6 | uint16(src)<<3 | uint16(dest)
}

func (e *Encoder) And(dest, src Register) uint16 { return e.aluOp(ALUAnd, dest, src) }
func (e *Encoder) Eor(dest, src Register) uint16 { return e.aluOp(ALUEor, dest, src) }
func (e *Encoder) LogicalShiftLeftRegister(dest, src Register) uint16 {
	return e.aluOp(ALULsl, dest, src)
}
func (e *Encoder) LogicalShiftRightRegister(dest, src Register) uint16 {
	return e.aluOp(ALULsr, dest, src)
}
func (e *Encoder) ArithmeticShiftRightRegister(dest, src Register) uint16 {
	return e.aluOp(ALUAsr, dest, src)
}
func (e *Encoder) AddWithCarry(dest, src Register) uint16 { return e.aluOp(ALUAdc, dest, src) }
func (e *Encoder) SubWithCarry(dest, src Register) uint16 { return e.aluOp(ALUSbc, dest, src) }
func (e *Encoder) RotateRightRegister(dest, src Register) uint16 {
	return e.aluOp(ALURor, dest, src)
}

// Test evaluates TST. Left unexercised: no known caller needs it and its
// semantics in the compiler path have never been tested here.
func (e *Encoder) Test(Register, Register) (uint16, error) {
	return 0, ErrUnexercisedEncoding
}

func (e *Encoder) Negate(dest, src Register) uint16 { return e.aluOp(ALUNeg, dest, src) }

// Compare2 evaluates the register-register CMP via the format-4 ALU
// encoding (as opposed to CompareLowRegisters' format-5 encoding). Left
// unexercised, same as Test and CompareNegative.
func (e *Encoder) Compare2(Register, Register) (uint16, error) {
	return 0, ErrUnexercisedEncoding
}

// CompareNegative evaluates CMN. Left unexercised, same as Test and
// Compare2.
func (e *Encoder) CompareNegative(Register, Register) (uint16, error) {
	return 0, ErrUnexercisedEncoding
}

func (e *Encoder) Orr(dest, src Register) uint16 { return e.aluOp(ALUOrr, dest, src) }
func (e *Encoder) Mul(dest, src Register) uint16 { return e.aluOp(ALUMul, dest, src) }
func (e *Encoder) Bic(dest, src Register) uint16 { return e.aluOp(ALUBic, dest, src) }
func (e *Encoder) Mvn(dest, src Register) uint16 { return e.aluOp(ALUMvn, dest, src) }

// --- Hi register operations and branch exchange, format 5 ---

func hiLo(r Register) (h uint16, lo uint16) {
	if r >= R8 {
		return 1, uint16(r - R8)
	}
	return 0, uint16(r)
}

func (e *Encoder) AddHighLow(dest, src Register) uint16 {
	h1, d := hiLo(dest)
	h2, s := hiLo(src)
	return 0b010001_00<<8 | h1<<7 | h2<<6 | s<<3 | d
}

// CompareLowRegisters compares two registers via the format-5 hi-reg CMP
// encoding, which accepts high registers too and raises no low-register
// flag; codegen uses it for comparisons and for the r8/r9 stack bounds
// checks.
func (e *Encoder) CompareLowRegisters(first, second Register) uint16 {
	h1, d := hiLo(first)
	h2, s := hiLo(second)
	return 0b010001_01<<8 | h1<<7 | h2<<6 | s<<3 | d
}

func (e *Encoder) MoveHighToHigh(dest, src Register) uint16 {
	h1, d := hiLo(dest)
	h2, s := hiLo(src)
	return 0b010001_10<<8 | h1<<7 | h2<<6 | s<<3 | d
}

// MoveLowToLow is the register-move idiom used extensively by the register
// allocators (e.g. TempRegister shuffles for ROT/SWAP/TUCK); encoded via
// the same hi-reg MOV form, which also covers the low/low case.
func (e *Encoder) MoveLowToLow(dest, src Register) uint16 {
	return e.MoveHighToHigh(dest, src)
}

func (e *Encoder) BranchExchange(src Register) uint16 {
	h2, s := hiLo(src)
	return 0b010001_11<<8 | 0<<7 | h2<<6 | s<<3
}

func (e *Encoder) BranchLinkExchangeRegister(src Register) uint16 {
	h2, s := hiLo(src)
	return 0b010001_11<<8 | 1<<7 | h2<<6 | s<<3
}

// --- PC-relative load, format 6 ---

func (e *Encoder) LoadWordWithPCOffset(dest Register, imm8 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8, 8)
	return 0b01001<<11 | uint16(dest)<<8 | uint16(imm8&0xff)
}

// --- Load/store with register offset, format 7/8 ---

func (e *Encoder) regOffset(opcode uint16, dest, base, offset Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(base)
	e.assertLowRegister(offset)
	return 0b0101<<12 | opcode<<9 | uint16(offset)<<6 | uint16(base)<<3 | uint16(dest)
}

func (e *Encoder) StoreWordRegisterOffset(src, base, offset Register) uint16 {
	return e.regOffset(0b000, src, base, offset)
}
func (e *Encoder) StoreHalfwordRegisterOffset(src, base, offset Register) uint16 {
	return e.regOffset(0b001, src, base, offset)
}
func (e *Encoder) StoreByteRegisterOffset(src, base, offset Register) uint16 {
	return e.regOffset(0b010, src, base, offset)
}
func (e *Encoder) LoadSignedByteRegisterOffset(dest, base, offset Register) uint16 {
	return e.regOffset(0b011, dest, base, offset)
}
func (e *Encoder) LoadWordRegisterOffset(dest, base, offset Register) uint16 {
	return e.regOffset(0b100, dest, base, offset)
}
func (e *Encoder) LoadHalfwordRegisterOffset(dest, base, offset Register) uint16 {
	return e.regOffset(0b101, dest, base, offset)
}
func (e *Encoder) LoadByteRegisterOffset(dest, base, offset Register) uint16 {
	return e.regOffset(0b110, dest, base, offset)
}
func (e *Encoder) LoadSignedHalfwordRegisterOffset(dest, base, offset Register) uint16 {
	return e.regOffset(0b111, dest, base, offset)
}

// --- Load/store with immediate offset (word/byte), format 9 ---

func (e *Encoder) immOffset(byteForm, load uint16, dest, base Register, imm5 uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(base)
	e.assertImmediateFits(imm5, 5)
	return 0b011<<13 | byteForm<<12 | load<<11 | uint16(imm5&0x1f)<<6 | uint16(base)<<3 | uint16(dest)
}

// StoreWordWithOffset stores src to [base + imm5*4].
func (e *Encoder) StoreWordWithOffset(src, base Register, imm5Words uint32) uint16 {
	return e.immOffset(0, 0, src, base, imm5Words)
}

// LoadWordWithOffset loads dest from [base + imm5*4].
func (e *Encoder) LoadWordWithOffset(dest, base Register, imm5Words uint32) uint16 {
	return e.immOffset(0, 1, dest, base, imm5Words)
}

func (e *Encoder) StoreByteWithOffset(src, base Register, imm5Bytes uint32) uint16 {
	return e.immOffset(1, 0, src, base, imm5Bytes)
}

func (e *Encoder) LoadByteWithOffset(dest, base Register, imm5Bytes uint32) uint16 {
	return e.immOffset(1, 1, dest, base, imm5Bytes)
}

// --- Load/store halfword, format 10 ---

func (e *Encoder) StoreHalfwordWithOffset(src, base Register, imm5Halfwords uint32) uint16 {
	e.assertLowRegister(src)
	e.assertLowRegister(base)
	e.assertImmediateFits(imm5Halfwords, 5)
	return 0b1000<<12 | 0<<11 | uint16(imm5Halfwords&0x1f)<<6 | uint16(base)<<3 | uint16(src)
}

func (e *Encoder) LoadHalfwordWithOffset(dest, base Register, imm5Halfwords uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(base)
	e.assertImmediateFits(imm5Halfwords, 5)
	return 0b1000<<12 | 1<<11 | uint16(imm5Halfwords&0x1f)<<6 | uint16(base)<<3 | uint16(dest)
}

// --- SP-relative load/store, format 11 ---

func (e *Encoder) StoreWordWithSPOffset(src Register, imm8Words uint32) uint16 {
	e.assertLowRegister(src)
	e.assertImmediateFits(imm8Words, 8)
	return 0b1001<<12 | 0<<11 | uint16(src)<<8 | uint16(imm8Words&0xff)
}

func (e *Encoder) LoadWordWithSPOffset(dest Register, imm8Words uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8Words, 8)
	return 0b1001<<12 | 1<<11 | uint16(dest)<<8 | uint16(imm8Words&0xff)
}

// --- Load address, format 12 ---

func (e *Encoder) LoadAddressFromPC(dest Register, imm8Words uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8Words, 8)
	return 0b1010<<12 | 0<<11 | uint16(dest)<<8 | uint16(imm8Words&0xff)
}

func (e *Encoder) LoadAddressFromSP(dest Register, imm8Words uint32) uint16 {
	e.assertLowRegister(dest)
	e.assertImmediateFits(imm8Words, 8)
	return 0b1010<<12 | 1<<11 | uint16(dest)<<8 | uint16(imm8Words&0xff)
}

// --- Add/sub SP, format 13 ---

func (e *Encoder) AddSPImmediate(imm7Words int32) uint16 {
	sign := uint16(0)
	magnitude := imm7Words
	if magnitude < 0 {
		sign = 1
		magnitude = -magnitude
	}
	e.assertImmediateFits(uint32(magnitude), 7)
	return 0b10110000<<8 | sign<<7 | uint16(magnitude&0x7f)
}

// --- Push/pop, format 14 ---

func (e *Encoder) Push(list RegisterList, includeLR bool) uint16 {
	r := uint16(0)
	if includeLR {
		r = 1
	}
	return 0b1011010<<9 | r<<8 | uint16(list&0xff)
}

func (e *Encoder) Pop(list RegisterList, includePC bool) uint16 {
	r := uint16(0)
	if includePC {
		r = 1
	}
	return 0b1011110<<9 | r<<8 | uint16(list&0xff)
}

// --- Sign extend, format 16 (variant) ---

func (e *Encoder) SignExtendHalfword(dest, src Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	return 0b1011001000<<6 | uint16(src)<<3 | uint16(dest)
}

func (e *Encoder) SignExtendByte(dest, src Register) uint16 {
	e.assertLowRegister(dest)
	e.assertLowRegister(src)
	return 0b1011001001<<6 | uint16(src)<<3 | uint16(dest)
}

// --- Multiple load/store, format 15 ---

func (e *Encoder) StoreMultipleIncrementAfter(base Register, list RegisterList) uint16 {
	e.assertLowRegister(base)
	return 0b11000<<11 | uint16(base)<<8 | uint16(list&0xff)
}

func (e *Encoder) LoadMultipleIncrementAfter(base Register, list RegisterList) uint16 {
	e.assertLowRegister(base)
	return 0b11001<<11 | uint16(base)<<8 | uint16(list&0xff)
}

// --- Conditional branch, format 16 ---

// ConditionalBranch encodes Bcc with an 8-bit signed instruction-unit
// offset, raising TooBigBranchOffset if it does not fit ±128.
func (e *Encoder) ConditionalBranch(cond Condition, offsetInstructions int) uint16 {
	e.assertBranchFits(offsetInstructions, 8)
	imm8, _ := packSignedField(offsetInstructions, 8)
	return 0b1101<<12 | uint16(cond)<<8 | uint16(imm8)
}

// ConditionalBranchNatural is the pipeline-adjusted variant of
// ConditionalBranch: instruction at A branching to label L ⇔
// imm = (L-A)/2 - 2.
func (e *Encoder) ConditionalBranchNatural(cond Condition, instructionDelta int) uint16 {
	return e.ConditionalBranch(cond, instructionDelta-2)
}

// --- Unconditional branch, format 18 ---

// UnconditionalBranch encodes B with an 11-bit signed instruction-unit
// offset, raising TooBigBranchOffset if it does not fit ±1024.
func (e *Encoder) UnconditionalBranch(offsetInstructions int) uint16 {
	e.assertBranchFits(offsetInstructions, 11)
	imm11, _ := packSignedField(offsetInstructions, 11)
	return 0b11100<<11 | uint16(imm11)
}

// UnconditionalBranchNatural is the pipeline-adjusted ("natural") variant:
// instruction at A branching to label L ⇔ imm = (L-A)/2 - 2.
func (e *Encoder) UnconditionalBranchNatural(instructionDelta int) uint16 {
	return e.UnconditionalBranch(instructionDelta - 2)
}

func packSignedField(value int, bits uint) (uint32, bool) {
	packed, err := bitops.PackTwos(int32(value), bits)
	if err != nil {
		return 0, false
	}
	return packed, true
}

// --- Long BL/BLX, format 19 ---

// InstructionPair is the two-halfword encoding long calls require.
type InstructionPair struct {
	First, Second uint16
}

// splitLongOffset splits a 22-bit signed instruction-unit offset into its
// [21:11] and [10:0] halves.
func splitLongOffset(e *Encoder, offsetInstructions int) (hi, lo uint16) {
	e.assertBranchFits(offsetInstructions, 22)
	packed, _ := packSignedField(offsetInstructions, 22)
	hi = uint16(bitops.Extract(packed, 11, 11))
	lo = uint16(bitops.Extract(packed, 0, 11))
	return
}

// BranchAndLink encodes a long BL to a 22-bit signed instruction-unit
// offset.
func (e *Encoder) BranchAndLink(offsetInstructions int) InstructionPair {
	hi, lo := splitLongOffset(e, offsetInstructions)
	return InstructionPair{First: 0xF000 | hi, Second: 0xF800 | lo}
}

// BranchAndLinkNatural is the pipeline-adjusted variant of BranchAndLink.
func (e *Encoder) BranchAndLinkNatural(instructionDelta int) InstructionPair {
	return e.BranchAndLink(instructionDelta - 2)
}

// BranchAndLinkExchange encodes the long BLX form; hardware clears the low
// two bits of the resulting target address.
func (e *Encoder) BranchAndLinkExchange(offsetInstructions int) InstructionPair {
	hi, lo := splitLongOffset(e, offsetInstructions)
	return InstructionPair{First: 0xF000 | hi, Second: 0xE800 | lo}
}
