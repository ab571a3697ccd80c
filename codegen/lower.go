package codegen

import (
	"github.com/pkg/errors"

	"microjit/config"
	"microjit/linker"
	"microjit/regfile"
	"microjit/stackcode"
	"microjit/thumb"
	"microjit/vmstate"
)

// blockLowerer walks one basic block instruction by instruction, emitting
// Thumb through the Compiler's buffer. It carries the two pieces of
// lookahead state lowering needs: a PUSH constant deferred for a following
// JMP/CJMP/CALL (consumed as a link-time label, never materialised), and
// the condition of a comparison whose flags are still live for a fused
// CJMP.
//
// Register convention throughout: r0 is the VMState pointer, r1 the
// operand stack pointer (descending, word-sized slots, top at [r1,0]),
// r2/r3 scratch, r8/r9 hold stack_base/stack_end from the entry prologue.
// The hardware SP stays the native call stack. The operand stack pointer
// is adjusted eagerly at every net height change, so [r1, #i] always
// addresses logical slot i at every instruction boundary.
type blockLowerer struct {
	c         *Compiler
	rf        regfile.RegisterFile
	needsPush bool

	pendingLink     int32
	havePendingLink bool

	fusedCond thumb.Condition
	haveFused bool

	done bool
}

// lowerBlock lowers every instruction of block, leaving the register
// allocator in naive (fully memory-resident) state for the fall-through
// edge.
func (c *Compiler) lowerBlock(rf regfile.RegisterFile, block stackcode.Region, needsPush bool) error {
	l := &blockLowerer{c: c, rf: rf, needsPush: needsPush}
	it := stackcode.NewIterator(c.code, block.Start)
	for it.Advance() {
		if it.Offset() >= block.End || l.done {
			break
		}
		if err := l.lowerOp(it); err != nil {
			return err
		}
	}
	return c.appendAll(rf.ReturnToNaiveState())
}

// statusForEmitError distinguishes an allocator capacity failure from the
// generic encoding bucket so Compile reports the documented status.
func statusForEmitError(err error) Status {
	if errors.Cause(err) == regfile.ErrTooManyOperands {
		return RegisterAllocationError
	}
	return InstructionEncodingError
}

func (l *blockLowerer) lowerOp(it *stackcode.Iterator) error {
	op := it.Op()

	if op.IsOptional() {
		return l.lowerHelperCall(op)
	}

	switch op {
	case stackcode.Push8, stackcode.Push16:
		value, _ := it.LastWasPush()
		return l.lowerPush(it, value)

	case stackcode.Add, stackcode.Sub, stackcode.Mul, stackcode.Max, stackcode.Min:
		return l.lowerBinary(op)

	case stackcode.Inc, stackcode.Dec:
		return l.lowerUnary(op)

	case stackcode.Lt, stackcode.Le, stackcode.Eq, stackcode.Ge, stackcode.Gt:
		return l.lowerComparison(it, op)

	case stackcode.Drop:
		if err := l.c.appendAll(l.rf.Drop()); err != nil {
			return err
		}
		return l.adjustStack(1)

	case stackcode.Dup:
		if err := l.adjustStack(-1); err != nil {
			return err
		}
		return l.c.appendAll(l.rf.Dup())

	case stackcode.Swap:
		return l.c.appendAll(l.rf.Swap())

	case stackcode.Rot:
		return l.c.appendAll(l.rf.Rot())

	case stackcode.Tuck:
		return l.c.appendAll(l.rf.Tuck())

	case stackcode.Ndup:
		return l.lowerNdup()

	case stackcode.Size:
		return l.lowerSize()

	case stackcode.Fetch:
		return l.lowerFetch()

	case stackcode.Jmp:
		return l.lowerJmp()

	case stackcode.Cjmp:
		return l.lowerCjmp()

	case stackcode.Call:
		return l.lowerCall(it)

	case stackcode.Ret:
		return l.lowerRet()

	case stackcode.Halt:
		return l.lowerHalt()

	case stackcode.Div, stackcode.Mod, stackcode.Nrnd, stackcode.Nrot,
		stackcode.Ntuck, stackcode.Wait:
		return l.lowerHelperCall(op)

	default:
		return errors.Errorf("codegen: opcode %s survived analysis but has no lowering", op)
	}
}

// adjustStack moves the operand stack pointer by words slots: positive
// for a net pop (the stack shrinks towards stack_end), negative for a net
// push. The add/sub-immediate forms set condition flags, so callers
// sequencing a CMP for a fused branch must adjust before comparing.
func (l *blockLowerer) adjustStack(words int) error {
	if words == 0 {
		return nil
	}
	if words > 0 {
		return l.c.append(l.c.enc.AddLargeImm(thumb.R1, uint32(words*4)))
	}
	return l.c.append(l.c.enc.SubLargeImm(thumb.R1, uint32(-words*4)))
}

func (l *blockLowerer) flush() error {
	return l.c.appendAll(l.rf.ReturnToNaiveState())
}

func (l *blockLowerer) peekOp(off int) (stackcode.Op, bool) {
	if !l.c.code.InBounds(off) {
		return 0, false
	}
	return stackcode.Op(l.c.code.At(off)), true
}

// lowerPush materialises a PUSH8/PUSH16 constant — unless the next opcode
// consumes it as a branch or call label, in which case nothing is emitted
// and the value is held for the linker instead.
func (l *blockLowerer) lowerPush(it *stackcode.Iterator, value int32) error {
	if next, ok := l.peekOp(it.NextOffset()); ok {
		switch next {
		case stackcode.Jmp, stackcode.Cjmp, stackcode.Call:
			l.pendingLink, l.havePendingLink = value, true
			return nil
		}
	}
	if err := l.adjustStack(-1); err != nil {
		return err
	}
	_, code := l.rf.PushConstant(value)
	return l.c.appendAll(code)
}

func foldBinary(op stackcode.Op, a, b int32) int32 {
	switch op {
	case stackcode.Add:
		return a + b
	case stackcode.Sub:
		return a - b
	case stackcode.Mul:
		return a * b
	case stackcode.Max:
		if a > b {
			return a
		}
		return b
	default: // Min
		if a < b {
			return a
		}
		return b
	}
}

// lowerBinary handles the two-operand native ops. When the allocator
// tracks both operands as compile-time constants the whole operation
// folds away, costing one stack-pointer adjustment and zero arithmetic
// instructions.
func (l *blockLowerer) lowerBinary(op stackcode.Op) error {
	if b, okB := l.rf.KnownConstant(0); okB {
		if a, okA := l.rf.KnownConstant(1); okA {
			l.rf.Pop(2)
			if err := l.adjustStack(1); err != nil { // two pops, one push
				return err
			}
			_, code := l.rf.PushConstant(foldBinary(op, a, b))
			return l.c.appendAll(code)
		}
	}

	regs, loads, err := l.rf.EnsureTop(2)
	if err != nil {
		return err
	}
	if err := l.c.appendAll(loads); err != nil {
		return err
	}
	b, a := regs[0], regs[1]

	switch op {
	case stackcode.Add:
		if err := l.c.append(l.c.enc.AddRegisters(a, a, b)); err != nil {
			return err
		}
	case stackcode.Sub:
		if err := l.c.append(l.c.enc.SubRegisters(a, a, b)); err != nil {
			return err
		}
	case stackcode.Mul:
		if err := l.c.append(l.c.enc.Mul(a, b)); err != nil {
			return err
		}
	case stackcode.Max, stackcode.Min:
		keep := thumb.CondGE
		if op == stackcode.Min {
			keep = thumb.CondLE
		}
		seq := []uint16{
			l.c.enc.CompareLowRegisters(a, b),
			l.c.enc.ConditionalBranchNatural(keep, 2),
			l.c.enc.MoveLowToLow(a, b),
		}
		if err := l.c.appendAll(seq); err != nil {
			return err
		}
	}

	l.rf.Pop(2)
	if err := l.adjustStack(1); err != nil {
		return err
	}
	return l.c.appendAll(l.rf.Push(a))
}

func (l *blockLowerer) lowerUnary(op stackcode.Op) error {
	if v, ok := l.rf.KnownConstant(0); ok {
		l.rf.Pop(1)
		folded := v + 1
		if op == stackcode.Dec {
			folded = v - 1
		}
		_, code := l.rf.PushConstant(folded)
		return l.c.appendAll(code)
	}

	regs, loads, err := l.rf.EnsureTop(1)
	if err != nil {
		return err
	}
	if err := l.c.appendAll(loads); err != nil {
		return err
	}
	r := regs[0]

	word := l.c.enc.AddSmallImm(r, r, 1)
	if op == stackcode.Dec {
		word = l.c.enc.SubSmallImm(r, r, 1)
	}
	if err := l.c.append(word); err != nil {
		return err
	}

	l.rf.Pop(1)
	return l.c.appendAll(l.rf.Push(r))
}

func comparisonCondition(op stackcode.Op) thumb.Condition {
	switch op {
	case stackcode.Lt:
		return thumb.CondLT
	case stackcode.Le:
		return thumb.CondLE
	case stackcode.Eq:
		return thumb.CondEQ
	case stackcode.Ge:
		return thumb.CondGE
	default: // Gt
		return thumb.CondGT
	}
}

// fusionApplicable reports whether this comparison's boolean never needs
// materialising: the next two instructions are a constant push and a CJMP,
// and configuration permits the fused CMP/Bcc form.
func (l *blockLowerer) fusionApplicable(it *stackcode.Iterator) bool {
	if l.c.cfg.ConditionalBranchingMode != config.FewerBranches {
		return false
	}
	pushOff := it.NextOffset()
	pushOp, ok := l.peekOp(pushOff)
	if !ok || (pushOp != stackcode.Push8 && pushOp != stackcode.Push16) {
		return false
	}
	cjOp, ok := l.peekOp(pushOff + pushOp.Width())
	return ok && cjOp == stackcode.Cjmp
}

// lowerComparison emits LT/LE/EQ/GE/GT. The fused form leaves only a CMP
// behind and hands the condition to the CJMP two instructions ahead; the
// naive form materialises 0/1 through the documented five-instruction
// branch diamond. Both flush first: a later spill of a tracked constant
// would emit a flag-setting MOV between the CMP and its Bcc otherwise.
func (l *blockLowerer) lowerComparison(it *stackcode.Iterator, op stackcode.Op) error {
	cond := comparisonCondition(op)

	if err := l.flush(); err != nil {
		return err
	}
	loads := []uint16{
		l.c.enc.LoadWordWithOffset(thumb.R2, thumb.R1, 0), // rhs
		l.c.enc.LoadWordWithOffset(thumb.R3, thumb.R1, 1), // lhs
	}
	if err := l.c.appendAll(loads); err != nil {
		return err
	}
	l.rf.Pop(2)

	if l.fusionApplicable(it) {
		if err := l.adjustStack(2); err != nil {
			return err
		}
		if err := l.c.append(l.c.enc.CompareLowRegisters(thumb.R3, thumb.R2)); err != nil {
			return err
		}
		l.rf.NoteComparison(thumb.R3, thumb.R2)
		l.fusedCond, l.haveFused = cond, true
		return nil
	}

	if err := l.adjustStack(1); err != nil {
		return err
	}
	seq := []uint16{
		l.c.enc.CompareLowRegisters(thumb.R3, thumb.R2),
		l.c.enc.ConditionalBranchNatural(cond, 3),
		l.c.enc.MoveImmediate(thumb.R2, 0),
		l.c.enc.UnconditionalBranchNatural(2),
		l.c.enc.MoveImmediate(thumb.R2, 1),
		l.c.enc.StoreWordWithOffset(thumb.R2, thumb.R1, 0),
	}
	return l.c.appendAll(seq)
}

func (l *blockLowerer) lowerJmp() error {
	if !l.havePendingLink {
		return errors.New("codegen: JMP without a constant destination survived analysis")
	}
	dest := int(l.pendingLink)
	l.havePendingLink = false

	if err := l.flush(); err != nil {
		return err
	}
	_, err := l.c.link.Reserve(l.c.buf, linker.UnconditionalBranchKind, thumb.CondAL, dest)
	l.done = true
	return err
}

func (l *blockLowerer) lowerCjmp() error {
	if !l.havePendingLink {
		return errors.New("codegen: CJMP without a constant destination survived analysis")
	}
	dest := int(l.pendingLink)
	l.havePendingLink = false

	if l.haveFused {
		l.haveFused = false
		_, err := l.c.link.Reserve(l.c.buf, linker.MinimalConditionalBranchKind, l.fusedCond, dest)
		l.done = true
		return err
	}

	if err := l.flush(); err != nil {
		return err
	}
	if err := l.c.append(l.c.enc.LoadWordWithOffset(thumb.R3, thumb.R1, 0)); err != nil {
		return err
	}
	l.rf.Pop(1)
	if err := l.adjustStack(1); err != nil {
		return err
	}
	if err := l.c.append(l.c.enc.CompareImmediate(thumb.R3, 0)); err != nil {
		return err
	}
	_, err := l.c.link.Reserve(l.c.buf, linker.ConditionalBranchKind, thumb.CondNE, dest)
	l.done = true
	return err
}

func (l *blockLowerer) lowerCall(it *stackcode.Iterator) error {
	if err := l.flush(); err != nil {
		return err
	}

	if !l.havePendingLink {
		// Dynamic call: the target sits on the operand stack and the
		// trampoline owns popping it, consulting the jump table, and
		// compiling on a miss.
		if err := l.c.emitDynamicCallStub(); err != nil {
			return err
		}
		return l.emitStateReload()
	}

	dest := int(l.pendingLink)
	l.havePendingLink = false

	next, ok := l.peekOp(it.NextOffset())
	tailCall := ok && next == stackcode.Ret && l.c.cfg.TailCallsOptimised && !l.needsPush
	if tailCall {
		// A leaf caller's lr still addresses the original return site, so
		// branching straight to the callee makes its ret return on this
		// function's behalf.
		_, err := l.c.link.Reserve(l.c.buf, linker.UnconditionalBranchKind, thumb.CondAL, dest)
		l.done = true
		return err
	}

	_, err := l.c.link.Reserve(l.c.buf, linker.CallKind, thumb.CondAL, dest)
	return err
}

func (l *blockLowerer) lowerRet() error {
	if err := l.flush(); err != nil {
		return err
	}
	word := l.c.enc.Ret()
	if l.needsPush {
		word = l.c.enc.Pop(0, true)
	}
	l.done = true
	return l.c.append(word)
}

func (l *blockLowerer) lowerHalt() error {
	if err := l.flush(); err != nil {
		return err
	}
	_, err := l.c.link.ReserveSpecial(l.c.buf, thumb.CondAL, linker.HaltLocation)
	l.done = true
	return err
}

// lowerNdup replaces the count on top of the stack with the word that many
// slots below it: the count scales to a byte offset and indexes straight
// off the stack pointer.
func (l *blockLowerer) lowerNdup() error {
	if err := l.flush(); err != nil {
		return err
	}
	seq := []uint16{
		l.c.enc.LoadWordWithOffset(thumb.R2, thumb.R1, 0),
		l.c.enc.LogicalShiftLeftImmediate(thumb.R2, thumb.R2, 2),
		l.c.enc.LoadWordRegisterOffset(thumb.R2, thumb.R1, thumb.R2),
		l.c.enc.StoreWordWithOffset(thumb.R2, thumb.R1, 0),
	}
	return l.c.appendAll(seq)
}

// lowerSize pushes the current stack depth in words: (stack_end - r1) / 4,
// with stack_end pinned in r9 since the entry prologue.
func (l *blockLowerer) lowerSize() error {
	if err := l.flush(); err != nil {
		return err
	}
	seq := []uint16{
		l.c.enc.MoveHighToHigh(thumb.R2, thumb.R9),
		l.c.enc.SubRegisters(thumb.R2, thumb.R2, thumb.R1),
		l.c.enc.LogicalShiftRightImmediate(thumb.R2, thumb.R2, 2),
	}
	if err := l.c.appendAll(seq); err != nil {
		return err
	}
	if err := l.adjustStack(-1); err != nil {
		return err
	}
	return l.c.append(l.c.enc.StoreWordWithOffset(thumb.R2, thumb.R1, 0))
}

// lowerFetch replaces the code address on top of the stack with the
// signed 16-bit value stored there, read through code_pointer. The guard
// compares the address against code_length - 1 (two-byte read, so
// length-2 is the last fetchable offset); an unsigned higher-or-same
// branch also catches negative addresses, whose unsigned image exceeds
// any real length.
func (l *blockLowerer) lowerFetch() error {
	if err := l.flush(); err != nil {
		return err
	}
	lengthWords := vmstate.DefaultLayout.CodeLength / 4
	guard := []uint16{
		l.c.enc.LoadWordWithOffset(thumb.R2, thumb.R1, 0),
		l.c.enc.LoadWordWithOffset(thumb.R3, thumb.R0, lengthWords),
		l.c.enc.SubLargeImm(thumb.R3, 1),
		l.c.enc.CompareLowRegisters(thumb.R2, thumb.R3),
	}
	if err := l.c.appendAll(guard); err != nil {
		return err
	}
	if _, err := l.c.link.ReserveSpecial(l.c.buf, thumb.CondCS, linker.OutOfBoundsFetchLocation); err != nil {
		return err
	}
	baseWords := vmstate.DefaultLayout.CodePointer / 4
	seq := []uint16{
		l.c.enc.LoadWordWithOffset(thumb.R3, thumb.R0, baseWords),
		l.c.enc.LoadSignedHalfwordRegisterOffset(thumb.R2, thumb.R3, thumb.R2),
		l.c.enc.StoreWordWithOffset(thumb.R2, thumb.R1, 0),
	}
	return l.c.appendAll(seq)
}

// lowerHelperCall routes an irregular opcode through its shared runtime
// helper. The helper contract owns the stack mutation: it checks bounds,
// pops and pushes what the operation requires, and leaves the updated
// stack pointer in VMState, which is why no stack-pointer arithmetic is
// emitted here — only the post-call reload.
func (l *blockLowerer) lowerHelperCall(op stackcode.Op) error {
	if err := l.flush(); err != nil {
		return err
	}
	if err := l.c.emitHelperCall(op); err != nil {
		return err
	}
	return l.emitStateReload()
}

// emitStateReload re-establishes the register ABI after control returns
// from a helper or the dynamic-call trampoline: the stack pointer comes
// back from VMState and the top-of-stack is re-read behind it.
func (l *blockLowerer) emitStateReload() error {
	spWords := vmstate.DefaultLayout.StackPointer / 4
	seq := []uint16{
		l.c.enc.LoadWordWithOffset(thumb.R1, thumb.R0, spWords),
		l.c.enc.LoadWordWithOffset(thumb.R2, thumb.R1, 0),
	}
	return l.c.appendAll(seq)
}
