package analysis

import "github.com/pkg/errors"

// Metadata is the per-byte flag set describing what role a bytecode byte
// plays. It is a plain bitmask so a byte can carry several flags at once
// (a FunctionStart byte is necessarily also BasicBlockStart and Code).
type Metadata uint8

const (
	Illegal Metadata = 1 << iota
	Code
	BasicBlockStart
	LastInstructionDoubleWidth
	LastInstructionTripleWidth
	FunctionStart
	NoRecursion
)

// ErrViolatedProperty is returned by Validate when the implication chain
// below is broken.
var ErrViolatedProperty = errors.New("analysis: instruction metadata violates its implication chain")

// Validate checks the following semantic constraints:
//
//	NoRecursion ⇒ FunctionStart ⇒ BasicBlockStart ⇒ Code
//	Code ⇒ ¬Illegal
//	the two width flags are mutually exclusive
func (m Metadata) Validate() error {
	if m&NoRecursion != 0 && m&FunctionStart == 0 {
		return errors.Wrap(ErrViolatedProperty, "NoRecursion without FunctionStart")
	}
	if m&FunctionStart != 0 && m&BasicBlockStart == 0 {
		return errors.Wrap(ErrViolatedProperty, "FunctionStart without BasicBlockStart")
	}
	if m&BasicBlockStart != 0 && m&Code == 0 {
		return errors.Wrap(ErrViolatedProperty, "BasicBlockStart without Code")
	}
	if m&Code != 0 && m&Illegal != 0 {
		return errors.Wrap(ErrViolatedProperty, "byte marked both Code and Illegal")
	}
	if m&LastInstructionDoubleWidth != 0 && m&LastInstructionTripleWidth != 0 {
		return errors.Wrap(ErrViolatedProperty, "both width flags set")
	}
	return nil
}
