package thumb

// Register names a Thumb general-purpose register. Low registers (r0-r7)
// can be addressed by every 16-bit instruction; high registers (r8-r15)
// only by a handful of forms (MOV, ADD, CMP, BX, BLX).
type Register uint8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
)

// IsLow reports whether r is one of r0-r7.
func (r Register) IsLow() bool { return r <= R7 }

// Condition is one of the 16 Thumb branch condition codes.
type Condition uint8

const (
	CondEQ Condition = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	condUnused
)

// InvertCondition is defined only for the six ordered/equality codes; any
// other condition maps to the unused bit pattern, matching the encoder's
// documented scope.
func InvertCondition(c Condition) Condition {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	default:
		return condUnused
	}
}

// ArithmeticLogicOperation selects one of the register-register ALU forms
// of the Thumb "data processing" encoding (format 4).
type ArithmeticLogicOperation uint8

const (
	ALUAnd ArithmeticLogicOperation = iota
	ALUEor
	ALULsl
	ALULsr
	ALUAsr
	ALUAdc
	ALUSbc
	ALURor
	ALUTst
	ALUNeg
	ALUCmp
	ALUCmn
	ALUOrr
	ALUMul
	ALUBic
	ALUMvn
)

// RegisterList is a bitmask of registers r0-r7 (plus LR/PC for push/pop)
// used by PUSH/POP and STM/LDM.
type RegisterList uint16

// With returns a new RegisterList with r added.
func (l RegisterList) With(r Register) RegisterList {
	return l | (1 << uint(r))
}

// Has reports whether r is a member of l.
func (l RegisterList) Has(r Register) bool {
	return l&(1<<uint(r)) != 0
}
