// Package linker resolves the branch and call sites CodeGenerator leaves
// behind as reserved nop slots once every basic block's final word offset
// in the code buffer is known. CodeGenerator cannot know a forward branch's
// distance until every block between it and its target has been emitted,
// so it reserves a fixed-width nop budget per operation kind and records
// what needs to go there; Link walks those records once layout is final.
package linker

import (
	"github.com/pkg/errors"

	"microjit/thumb"
)

// Kind names one of the deferred link operation shapes, each with its own
// fixed instruction-word budget.
type Kind int

const (
	// UnconditionalBranchKind reserves 1 word: an unconditional B.
	UnconditionalBranchKind Kind = iota
	// ConditionalBranchKind reserves 2 words for the branch-dependent tail
	// of a naive CJMP lowering (the pop-and-compare prologue is emitted
	// directly by codegen and is not part of this reservation): a taken
	// Bcc, plus a fallback unconditional B when the target doesn't fit
	// Bcc's ±256 byte range.
	ConditionalBranchKind
	// MinimalConditionalBranchKind reserves 3 words for a CJMP fused with
	// an immediately preceding comparison op, whose flags are still live:
	// either [Bcc, nop, nop] when the target is in range, or
	// [Bcc(inverted, +2), B, nop] when it is not.
	MinimalConditionalBranchKind
	// CallKind reserves 2 words for a long BL pair.
	CallKind
	// SpecialKind reserves 2 words for a branch to one of the fixed
	// runtime exit locations (Halt/StackOverflow/StackUnderflow), using
	// the same range-dependent Bcc/B choice as ConditionalBranchKind.
	SpecialKind
)

// InstructionWords is the fixed reservation size for each Kind.
func (k Kind) InstructionWords() int {
	switch k {
	case UnconditionalBranchKind:
		return 1
	case ConditionalBranchKind:
		return 2
	case MinimalConditionalBranchKind:
		return 3
	case CallKind:
		return 2
	case SpecialKind:
		return 2
	default:
		return 0
	}
}

// SpecialLocation names one of the fixed runtime exit points a SpecialKind
// operation branches to.
type SpecialLocation int

const (
	HaltLocation SpecialLocation = iota
	StackOverflowLocation
	StackUnderflowLocation
	OutOfBoundsFetchLocation
)

// pending is one not-yet-resolved link site.
type pending struct {
	kind        Kind
	siteWord    int
	cond        thumb.Condition
	destBlock   int // bytecode offset of the destination basic block
	specialLoc  SpecialLocation
	isSpecial   bool
}

// ErrUnresolvedTarget is returned by Link if a pending site's destination
// was never registered with a word offset.
var ErrUnresolvedTarget = errors.New("linker: branch target has no known word offset")

// Table collects every deferred link operation emitted while generating
// code, to be resolved in one pass once all basic block offsets are
// known.
type Table struct {
	pending []pending
}

// NewTable constructs an empty link table.
func NewTable() *Table {
	return &Table{}
}

// Reserve appends kind's nop budget to buf at its current write position
// and records the operation for later resolution. destBlock is the
// bytecode offset of the destination (ignored for SpecialKind, which
// branches to a fixed runtime location instead).
func (t *Table) Reserve(buf *thumb.CodeBuffer, kind Kind, cond thumb.Condition, destBlock int) (siteWord int, err error) {
	siteWord = buf.Length()
	for i := 0; i < kind.InstructionWords(); i++ {
		if err := buf.Append(0); err != nil { // placeholder nop, patched during Link
			return 0, err
		}
	}
	t.pending = append(t.pending, pending{kind: kind, siteWord: siteWord, cond: cond, destBlock: destBlock})
	return siteWord, nil
}

// ReserveSpecial is Reserve's counterpart for branches to a fixed runtime
// exit location rather than a bytecode-addressed basic block. cond is the
// branch condition guarding the jump (unconditional for halt,
// conditional for the overflow/underflow checks); pass thumb.CondAL for an
// always-taken branch.
func (t *Table) ReserveSpecial(buf *thumb.CodeBuffer, cond thumb.Condition, loc SpecialLocation) (siteWord int, err error) {
	siteWord = buf.Length()
	for i := 0; i < SpecialKind.InstructionWords(); i++ {
		if err := buf.Append(0); err != nil {
			return 0, err
		}
	}
	t.pending = append(t.pending, pending{kind: SpecialKind, siteWord: siteWord, cond: cond, specialLoc: loc, isSpecial: true})
	return siteWord, nil
}

// Link resolves every reserved site against blockWordOffset (bytecode
// offset -> word index in buf) and specialWordOffset (SpecialLocation ->
// word index), patching each reservation in place.
func (t *Table) Link(buf *thumb.CodeBuffer, blockWordOffset map[int]int, specialWordOffset map[SpecialLocation]int) error {
	enc := thumb.NewEncoder()
	for _, p := range t.pending {
		var targetWord int
		if p.isSpecial {
			w, ok := specialWordOffset[p.specialLoc]
			if !ok {
				return ErrUnresolvedTarget
			}
			targetWord = w
		} else {
			w, ok := blockWordOffset[p.destBlock]
			if !ok {
				return ErrUnresolvedTarget
			}
			targetWord = w
		}

		if err := patch(enc, buf, p, targetWord); err != nil {
			return err
		}
	}
	if errs := enc.Errors(); errs.Any() {
		return errors.New("linker: an encoder invariant was violated while patching branch sites")
	}
	return nil
}

func patch(enc *thumb.Encoder, buf *thumb.CodeBuffer, p pending, targetWord int) error {
	switch p.kind {
	case UnconditionalBranchKind:
		delta := targetWord - p.siteWord
		buf.Patch(p.siteWord, enc.UnconditionalBranchNatural(delta))
		return nil

	case CallKind:
		delta := targetWord - p.siteWord
		pair := enc.BranchAndLinkNatural(delta)
		buf.PatchPair(p.siteWord, pair)
		return nil

	case ConditionalBranchKind, SpecialKind:
		return patchRangedConditional(enc, buf, p, targetWord, p.kind.InstructionWords())

	case MinimalConditionalBranchKind:
		return patchFusedConditional(enc, buf, p, targetWord)

	default:
		return errors.Errorf("linker: unknown operation kind %d", p.kind)
	}
}

// patchRangedConditional handles both the naive CJMP tail and Special
// branches: try a direct Bcc first (±256 bytes / ±128 instructions), and
// if the target is out of range, branch over an unconditional B instead.
func patchRangedConditional(enc *thumb.Encoder, buf *thumb.CodeBuffer, p pending, targetWord, budget int) error {
	if p.cond == thumb.CondAL {
		// An always-taken "conditional" (the HALT exit) is a reserved Bcc
		// encoding, so it lowers to a plain B in the final slot.
		bSite := p.siteWord + budget - 1
		buf.Patch(bSite, enc.UnconditionalBranchNatural(targetWord-bSite))
		for i := 0; i < budget-1; i++ {
			buf.Patch(p.siteWord+i, enc.Nop())
		}
		return nil
	}

	bccSite := p.siteWord + budget - 1
	if fitsConditional(targetWord - bccSite) {
		buf.Patch(bccSite, enc.ConditionalBranchNatural(p.cond, targetWord-bccSite))
		for i := 0; i < budget-1; i++ {
			buf.Patch(p.siteWord+i, enc.Nop())
		}
		return nil
	}

	// Out of Bcc range: invert the condition to skip over an
	// unconditional B that reaches the real target.
	inv := thumb.InvertCondition(p.cond)
	buf.Patch(p.siteWord, enc.ConditionalBranchNatural(inv, 2))
	bSite := p.siteWord + 1
	buf.Patch(bSite, enc.UnconditionalBranchNatural(targetWord-bSite))
	for i := 2; i < budget; i++ {
		buf.Patch(p.siteWord+i, enc.Nop())
	}
	return nil
}

// patchFusedConditional lowers a MinimalConditionalBranch into its 3-word
// budget: [Bcc, nop, nop] when in range, else
// [Bcc(inverted, skip-one), B, nop].
func patchFusedConditional(enc *thumb.Encoder, buf *thumb.CodeBuffer, p pending, targetWord int) error {
	if fitsConditional(targetWord - p.siteWord) {
		buf.Patch(p.siteWord, enc.ConditionalBranchNatural(p.cond, targetWord-p.siteWord))
		buf.Patch(p.siteWord+1, enc.Nop())
		buf.Patch(p.siteWord+2, enc.Nop())
		return nil
	}

	inv := thumb.InvertCondition(p.cond)
	buf.Patch(p.siteWord, enc.ConditionalBranchNatural(inv, 2))
	bSite := p.siteWord + 1
	buf.Patch(bSite, enc.UnconditionalBranchNatural(targetWord-bSite))
	buf.Patch(p.siteWord+2, enc.Nop())
	return nil
}

// fitsConditional reports whether a branch whose natural word delta is
// instructionDelta still fits Bcc's signed 8-bit pipeline-adjusted
// immediate.
func fitsConditional(instructionDelta int) bool {
	adjusted := instructionDelta - 2
	return adjusted >= -128 && adjusted <= 127
}
