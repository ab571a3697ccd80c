package thumb

import (
	"fmt"

	"microjit/bitops"
)

// Decode selects a textual mnemonic for a single 16-bit Thumb instruction by
// matching prefix bit-patterns in the same lexical order the encoder uses.
// It is pure and used only for diagnostics; it never participates in
// execution.
func Decode(word uint16) string {
	switch {
	case word>>11 == 0b00000:
		return shiftString("lsl", word)
	case word>>11 == 0b00001:
		return shiftString("lsr", word)
	case word>>11 == 0b00010:
		return shiftString("asr", word)
	case word>>9 == 0b0001100:
		return regRegString("add", word)
	case word>>9 == 0b0001101:
		return regRegString("sub", word)
	case word>>9 == 0b0001110:
		return immRegString("add", word, 3)
	case word>>9 == 0b0001111:
		return immRegString("sub", word, 3)
	case word>>11 == 0b00100:
		return destImm8String("mov", word)
	case word>>11 == 0b00101:
		return destImm8String("cmp", word)
	case word>>11 == 0b00110:
		return destImm8String("add", word)
	case word>>11 == 0b00111:
		return destImm8String("sub", word)
	case word>>10 == 0b010000:
		return aluString(word)
	case word>>8 == 0b01000100:
		return hiRegString("add", word)
	case word>>8 == 0b01000101:
		return hiRegString("cmp", word)
	case word>>8 == 0b01000110:
		return hiRegString("mov", word)
	case word>>8 == 0b01000111 && (word>>7)&1 == 0:
		return hiBranchString("bx", word)
	case word>>8 == 0b01000111 && (word>>7)&1 != 0:
		return hiBranchString("blx", word)
	case word>>11 == 0b01001:
		return fmt.Sprintf("ldr r%d, [pc, #%d]", (word>>8)&7, (word&0xff)*4)
	case word>>9 == 0b0101000:
		return regOffsetString("str", word)
	case word>>9 == 0b0101001:
		return regOffsetString("strh", word)
	case word>>9 == 0b0101010:
		return regOffsetString("strb", word)
	case word>>9 == 0b0101011:
		return regOffsetString("ldrsb", word)
	case word>>9 == 0b0101100:
		return regOffsetString("ldr", word)
	case word>>9 == 0b0101101:
		return regOffsetString("ldrh", word)
	case word>>9 == 0b0101110:
		return regOffsetString("ldrb", word)
	case word>>9 == 0b0101111:
		return regOffsetString("ldrsh", word)
	case word>>11 == 0b01100:
		return immOffsetString("str", word, 4)
	case word>>11 == 0b01101:
		return immOffsetString("ldr", word, 4)
	case word>>11 == 0b01110:
		return immOffsetString("strb", word, 1)
	case word>>11 == 0b01111:
		return immOffsetString("ldrb", word, 1)
	case word>>11 == 0b10000:
		return immOffsetString("strh", word, 2)
	case word>>11 == 0b10001:
		return immOffsetString("ldrh", word, 2)
	case word>>11 == 0b10010:
		return spOffsetString("str", word)
	case word>>11 == 0b10011:
		return spOffsetString("ldr", word)
	case word>>11 == 0b10100:
		return fmt.Sprintf("add r%d, pc, #%d", (word>>8)&7, (word&0xff)*4)
	case word>>11 == 0b10101:
		return fmt.Sprintf("add r%d, sp, #%d", (word>>8)&7, (word&0xff)*4)
	case word>>8 == 0b10110000:
		return spImmString(word)
	case word>>9 == 0b1011010:
		return pushPopString("push", word)
	case word>>9 == 0b1011110:
		return pushPopString("pop", word)
	case word>>6 == 0b1011001000:
		return regRegOnlyString("sxth", word)
	case word>>6 == 0b1011001001:
		return regRegOnlyString("sxtb", word)
	case word>>11 == 0b11000:
		return fmt.Sprintf("stmia r%d!, {%s}", (word>>8)&7, regListString(word&0xff))
	case word>>11 == 0b11001:
		return fmt.Sprintf("ldmia r%d!, {%s}", (word>>8)&7, regListString(word&0xff))
	case word>>12 == 0b1101 && (word>>8)&0xf != 0b1111:
		return condBranchString(word)
	case word>>11 == 0b11100:
		return fmt.Sprintf("b #%d", signExtend(word&0x7ff, 11))
	case word>>11 == 0b11110:
		return fmt.Sprintf("bl.hi #0x%04x", word&0x7ff)
	case word>>11 == 0b11111:
		return fmt.Sprintf("bl.lo #0x%04x", word&0x7ff)
	case word>>11 == 0b11101:
		return fmt.Sprintf("blx.lo #0x%04x", word&0x7ff)
	default:
		return fmt.Sprintf("<unknown 0x%04x>", word)
	}
}

// DecodePair renders an adjacent BL/BLX pair as a single mnemonic with the
// absolute destination, recognising the two-halfword long-call encoding.
func DecodePair(hi, lo uint16) string {
	offset := bitops.UnpackTwos(uint32(hi&0x7ff)<<11|uint32(lo&0x7ff), 22)
	mnemonic := "bl"
	if lo>>11 == 0b11101 {
		mnemonic = "blx"
	}
	return fmt.Sprintf("%s #%d", mnemonic, offset)
}

func signExtend(value uint16, bits uint) int32 {
	return bitops.UnpackTwos(uint32(value), bits)
}

func shiftString(mnemonic string, word uint16) string {
	imm5 := (word >> 6) & 0x1f
	rm := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d, #%d", mnemonic, rd, rm, imm5)
}

func regRegString(mnemonic string, word uint16) string {
	rm := (word >> 6) & 7
	rn := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d, r%d", mnemonic, rd, rn, rm)
}

func immRegString(mnemonic string, word uint16, _ int) string {
	imm3 := (word >> 6) & 7
	rn := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d, #%d", mnemonic, rd, rn, imm3)
}

func destImm8String(mnemonic string, word uint16) string {
	rd := (word >> 8) & 7
	imm8 := word & 0xff
	return fmt.Sprintf("%s r%d, #%d", mnemonic, rd, imm8)
}

var aluMnemonics = [16]string{
	"and", "eor", "lsl", "lsr", "asr", "adc", "sbc", "ror",
	"tst", "neg", "cmp", "cmn", "orr", "mul", "bic", "mvn",
}

func aluString(word uint16) string {
	op := (word >> 6) & 0xf
	rs := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d", aluMnemonics[op], rd, rs)
}

func hiRegString(mnemonic string, word uint16) string {
	h1 := (word >> 7) & 1
	h2 := (word >> 6) & 1
	rs := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d", mnemonic, rd+uint16(h1)*8, rs+uint16(h2)*8)
}

func hiBranchString(mnemonic string, word uint16) string {
	h2 := (word >> 6) & 1
	rs := (word >> 3) & 7
	return fmt.Sprintf("%s r%d", mnemonic, rs+uint16(h2)*8)
}

func regOffsetString(mnemonic string, word uint16) string {
	rm := (word >> 6) & 7
	rn := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, [r%d, r%d]", mnemonic, rd, rn, rm)
}

func immOffsetString(mnemonic string, word uint16, scale uint16) string {
	imm5 := (word >> 6) & 0x1f
	rn := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, [r%d, #%d]", mnemonic, rd, rn, imm5*scale)
}

func spOffsetString(mnemonic string, word uint16) string {
	rd := (word >> 8) & 7
	imm8 := word & 0xff
	return fmt.Sprintf("%s r%d, [sp, #%d]", mnemonic, rd, imm8*4)
}

func spImmString(word uint16) string {
	sign := (word >> 7) & 1
	imm7 := word & 0x7f
	if sign == 1 {
		return fmt.Sprintf("sub sp, #%d", imm7*4)
	}
	return fmt.Sprintf("add sp, #%d", imm7*4)
}

func pushPopString(mnemonic string, word uint16) string {
	list := regListString(word & 0xff)
	if (word>>8)&1 == 1 {
		if list != "" {
			list += ", "
		}
		if mnemonic == "push" {
			list += "lr"
		} else {
			list += "pc"
		}
	}
	return fmt.Sprintf("%s {%s}", mnemonic, list)
}

func regRegOnlyString(mnemonic string, word uint16) string {
	rm := (word >> 3) & 7
	rd := word & 7
	return fmt.Sprintf("%s r%d, r%d", mnemonic, rd, rm)
}

func regListString(mask uint16) string {
	s := ""
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) != 0 {
			if s != "" {
				s += ", "
			}
			s += fmt.Sprintf("r%d", i)
		}
	}
	return s
}

var condMnemonics = [16]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "??",
}

func condBranchString(word uint16) string {
	cond := (word >> 8) & 0xf
	imm8 := word & 0xff
	offset := signExtend(imm8, 8)
	return fmt.Sprintf("b%s #%d", condMnemonics[cond], offset)
}
