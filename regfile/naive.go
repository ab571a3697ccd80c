package regfile

import (
	"github.com/pkg/errors"

	"microjit/thumb"
)

// ErrTooManyOperands is returned when EnsureTop is asked for more operands
// than the register window can address in one instruction sequence.
var ErrTooManyOperands = errors.New("regfile: too many simultaneous operands requested")

// naiveAllocator is the always-fall-through-to-memory variant: every
// EnsureTop reloads from the shadow stack and every shuffle primitive
// goes through base-relative load/store pairs. It is the config.Naive
// mode, and the fully memory-resident state the other allocators return
// to through ReturnToNaiveState; they spill or evict on a full window
// rather than switching to this allocator.
//
// Shuffle methods assume codegen has already adjusted the shadow stack
// pointer for any net height change the operation causes (Dup/Ndup grow
// the stack, Drop shrinks it); offsets below are always relative to the
// stack pointer value in effect once that adjustment has happened.
type naiveAllocator struct {
	enc     *thumb.Encoder
	base    thumb.Register
	cmpLhs  thumb.Register
	cmpRhs  thumb.Register
	haveCmp bool
}

func newNaiveAllocator(base thumb.Register) *naiveAllocator {
	return &naiveAllocator{enc: thumb.NewEncoder(), base: base}
}

func (n *naiveAllocator) load(r thumb.Register, offWords uint32) uint16 {
	return n.enc.LoadWordWithOffset(r, n.base, offWords)
}

func (n *naiveAllocator) store(r thumb.Register, offWords uint32) uint16 {
	return n.enc.StoreWordWithOffset(r, n.base, offWords)
}

func (n *naiveAllocator) EnsureTop(count int) ([]thumb.Register, []uint16, error) {
	if count > len(Window) {
		return nil, nil, ErrTooManyOperands
	}
	var code []uint16
	regs := make([]thumb.Register, count)
	for i := 0; i < count; i++ {
		r := Window[i]
		regs[i] = r
		code = append(code, n.load(r, uint32(i)))
	}
	if errs := n.enc.Errors(); errs.Any() {
		return nil, nil, ErrTooManyOperands
	}
	return regs, code, nil
}

func (n *naiveAllocator) Push(reg thumb.Register) []uint16 {
	n.haveCmp = false
	// Memory is the only authority in this variant, so a freshly computed
	// top has to land there immediately.
	return []uint16{n.store(reg, 0)}
}

func (n *naiveAllocator) PushConstant(value int32) (thumb.Register, []uint16) {
	r := Window[0]
	code := synthesiseConstant(n.enc, r, value)
	code = append(code, n.Push(r)...)
	return r, code
}

func (n *naiveAllocator) Pop(count int) {
	n.haveCmp = false
}

func (n *naiveAllocator) Drop() []uint16 {
	n.haveCmp = false
	return nil
}

func (n *naiveAllocator) Dup() []uint16 {
	r := Window[0]
	n.haveCmp = false
	return []uint16{
		n.load(r, 1),
		n.store(r, 0),
	}
}

func (n *naiveAllocator) Swap() []uint16 {
	a, b := Window[0], Window[1]
	n.haveCmp = false
	return []uint16{
		n.load(a, 0),
		n.load(b, 1),
		n.store(b, 0),
		n.store(a, 1),
	}
}

func (n *naiveAllocator) Rot() []uint16 {
	a, b, c := Window[0], Window[1], Window[2]
	n.haveCmp = false
	return []uint16{
		n.load(a, 0),
		n.load(b, 1),
		n.load(c, 2),
		n.store(a, 1),
		n.store(b, 2),
		n.store(c, 0),
	}
}

func (n *naiveAllocator) Tuck() []uint16 {
	a, b, c := Window[0], Window[1], Window[2]
	n.haveCmp = false
	return []uint16{
		n.load(a, 0),
		n.load(b, 1),
		n.load(c, 2),
		n.store(a, 2),
		n.store(c, 1),
		n.store(b, 0),
	}
}

func (n *naiveAllocator) Flush() []uint16 {
	return nil
}

func (n *naiveAllocator) ReturnToNaiveState() []uint16 {
	return nil
}

func (n *naiveAllocator) KnownConstant(int) (int32, bool) {
	return 0, false
}

func (n *naiveAllocator) NoteComparison(lhs, rhs thumb.Register) {
	n.cmpLhs, n.cmpRhs, n.haveCmp = lhs, rhs, true
}

func (n *naiveAllocator) ComparisonRegisters() (thumb.Register, thumb.Register, bool) {
	return n.cmpLhs, n.cmpRhs, n.haveCmp
}
