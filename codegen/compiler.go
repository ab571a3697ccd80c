// Package codegen lowers analysed StackVM bytecode directly into executable
// ARMv6-M Thumb machine code. Compiler walks the functions and
// basic blocks analysis.Analyse discovered, asking a regfile.RegisterFile
// for operand registers and a linker.Table to resolve forward branches,
// and hands the result to a thumb.CodeBuffer.
package codegen

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"microjit/analysis"
	"microjit/config"
	"microjit/device"
	"microjit/linker"
	"microjit/regfile"
	"microjit/stackcode"
	"microjit/thumb"
)

// Observer receives progress notifications as a Compiler walks through its
// documented state machine.
type Observer interface {
	OnStateChanged(from, to State)
	OnBlockCompiled(block stackcode.Region)
	OnFunctionCompiled(fn stackcode.Region)
	OnCompileComplete(status Status)
}

// Compiler is a one-shot state machine: construct with NewCompiler, call
// Compile exactly once. CompileFunctionDynamically may be called afterwards,
// any number of times, to extend an already-Done compilation with a
// previously-unseen call target.
type Compiler struct {
	cfg config.Config
	dev *device.Bus
	log *logrus.Entry

	state  State
	status Status

	observers []Observer

	code   stackcode.Array
	result *analysis.Result

	buf  *thumb.CodeBuffer
	link *linker.Table
	enc  *thumb.Encoder

	blockWordOffset   map[int]int
	specialWordOffset map[linker.SpecialLocation]int

	pendingHelpers map[int]stackcode.Op
	emittedHelpers map[int]bool

	entry           int
	entryWordOffset int
}

// NewCompiler constructs a Compiler over code, ready to compile starting
// from whatever entry offset Compile is given. dev may be nil for programs
// that never touch an optional (≥0x80) instruction.
func NewCompiler(cfg config.Config, code stackcode.Array, dev *device.Bus) *Compiler {
	return &Compiler{
		cfg:               cfg,
		dev:               dev,
		log:               logrus.WithField("component", "CodeGenerator"),
		code:              code,
		enc:               thumb.NewEncoder(),
		blockWordOffset:   make(map[int]int),
		specialWordOffset: make(map[linker.SpecialLocation]int),
		pendingHelpers:    make(map[int]stackcode.Op),
		emittedHelpers:    make(map[int]bool),
	}
}

// AddObserver registers o to receive future state/progress notifications.
func (c *Compiler) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// RemoveObserver undoes a prior AddObserver, matching by interface identity.
func (c *Compiler) RemoveObserver(o Observer) {
	for i, existing := range c.observers {
		if existing == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// State returns the compiler's current position in its documented state
// machine.
func (c *Compiler) State() State { return c.state }

// Status returns the outcome recorded for the most recent Compile attempt.
func (c *Compiler) Status() Status { return c.status }

func (c *Compiler) setState(s State) {
	from := c.state
	c.state = s
	c.log.WithFields(logrus.Fields{"from": from, "to": s}).Debug("compiler state transition")
	for _, o := range c.observers {
		o.OnStateChanged(from, s)
	}
}

func (c *Compiler) notifyComplete() {
	for _, o := range c.observers {
		o.OnCompileComplete(c.status)
	}
}

func (c *Compiler) fail(status Status, err error) (*Program, error) {
	c.status = status
	c.notifyComplete()
	return nil, err
}

func (c *Compiler) append(word uint16) error {
	return c.buf.Append(word)
}

func (c *Compiler) appendAll(words []uint16) error {
	for _, w := range words {
		if err := c.append(w); err != nil {
			return err
		}
	}
	return nil
}

// Compile runs static analysis from entry and emits every reachable
// function and basic block, following
// NotStarted -> AnalysisComplete -> EmittingFunction -> EmittingBlock ->
// Linking -> Done.
func (c *Compiler) Compile(entry int) (*Program, error) {
	if c.state != NotStarted {
		return nil, errors.New("codegen: Compile called more than once on this Compiler")
	}
	c.entry = entry

	result, err := analysis.Analyse(c.code, entry, c.cfg)
	if err != nil {
		return c.fail(StaticAnalysisFailed, errors.Wrap(err, "codegen: static analysis"))
	}
	c.result = result
	c.setState(AnalysisComplete)

	if result.HasDynamicCalls() {
		c.log.Debug("program contains at least one dynamic call; CompileFunctionDynamically will extend this buffer at runtime")
	}

	buf, err := thumb.NewCodeBuffer(c.code.Len() * 2)
	if err != nil {
		return c.fail(UnknownFailure, errors.Wrap(err, "codegen: allocate code buffer"))
	}
	c.buf = buf
	c.link = linker.NewTable()

	if err := c.emitEntryPrologue(); err != nil {
		return c.fail(InstructionEncodingError, err)
	}
	c.entryWordOffset = 0

	functions := orderFunctionsEntryFirst(result.Functions(), entry)
	for _, fn := range functions {
		if err := c.emitFunction(fn); err != nil {
			return c.fail(statusForEmitError(err), err)
		}
	}

	if err := c.emitHelperStubs(); err != nil {
		return c.fail(InstructionEncodingError, err)
	}
	if err := c.emitSpecialHandlers(); err != nil {
		return c.fail(InstructionEncodingError, err)
	}

	c.setState(Linking)
	if err := c.link.Link(c.buf, c.blockWordOffset, c.specialWordOffset); err != nil {
		return c.fail(LinkerFailed, errors.Wrap(err, "codegen: link"))
	}
	if errs := c.enc.Errors(); errs.Any() {
		return c.fail(InstructionEncodingError, errors.New("codegen: an encoder invariant was violated while emitting code"))
	}

	if err := c.buf.Commit(); err != nil {
		return c.fail(UnknownFailure, errors.Wrap(err, "codegen: commit code buffer"))
	}

	c.status = Success
	c.setState(Done)
	c.notifyComplete()

	return c.buildProgram(), nil
}

// orderFunctionsEntryFirst puts the program's true entry function first so
// it is always the one immediately following emitEntryPrologue at word 0.
func orderFunctionsEntryFirst(fns []stackcode.Region, entry int) []stackcode.Region {
	out := make([]stackcode.Region, 0, len(fns))
	for _, fn := range fns {
		if fn.Start == entry {
			out = append(out, fn)
		}
	}
	for _, fn := range fns {
		if fn.Start != entry {
			out = append(out, fn)
		}
	}
	return out
}

func (c *Compiler) buildProgram() *Program {
	return &Program{
		Buffer:              c.buf,
		EntryWordOffset:     c.entryWordOffset,
		Result:              c.result,
		BlockWordOffset:     copyIntMap(c.blockWordOffset),
		HaltWordOffset:      c.specialWordOffset[linker.HaltLocation],
		OverflowWordOffset:  c.specialWordOffset[linker.StackOverflowLocation],
		UnderflowWordOffset: c.specialWordOffset[linker.StackUnderflowLocation],
	}
}

func copyIntMap(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// emitFunction lowers every basic block of fn in ascending offset order.
func (c *Compiler) emitFunction(fn stackcode.Region) error {
	c.setState(EmittingFunction)
	needsPush := c.result.FunctionNeedsToPushRegisters(fn.Start)
	blocks := c.result.BasicBlocksForFunction(fn)

	var prevEffect stackcode.BlockEffect
	havePrevEffect := false

	for _, block := range blocks {
		c.setState(EmittingBlock)
		c.blockWordOffset[block.Start] = c.buf.Length()

		if block.Start == fn.Start && needsPush {
			if err := c.append(c.enc.Push(0, true)); err != nil {
				return err
			}
		}

		if err := c.emitBoundsCheck(block, &prevEffect, &havePrevEffect); err != nil {
			return err
		}

		rf := regfile.New(regfile.Mode(c.cfg.RegisterAllocationMode), thumb.R1)
		if err := c.lowerBlock(rf, block, needsPush); err != nil {
			return err
		}

		for _, o := range c.observers {
			o.OnBlockCompiled(block)
		}
	}

	for _, o := range c.observers {
		o.OnFunctionCompiled(fn)
	}
	return nil
}

// emitBoundsCheck emits the overflow/underflow guard sequence for block,
// unless cfg disables checks entirely or cfg.BoundsCheckElimination proves
// the immediately preceding block in program order already covers it via
// stackcode.Supersedes. This is a conservative approximation of full
// dominance-based elision: it only looks at straight-line program order,
// not the branch graph, which is sufficient for the common fallthrough case
// and never unsound (a missed elision just costs an extra check).
func (c *Compiler) emitBoundsCheck(block stackcode.Region, prevEffect *stackcode.BlockEffect, havePrev *bool) error {
	if c.cfg.StackCheckMode == config.NoStackCheck {
		return nil
	}

	effect := c.result.StackEffect(block)
	skip := c.cfg.BoundsCheckElimination && *havePrev && stackcode.Supersedes(*prevEffect, effect)
	*prevEffect = effect
	*havePrev = true
	if skip {
		return nil
	}

	if effect.PushMax > 0 {
		if err := c.emitOverflowCheck(effect.PushMax); err != nil {
			return err
		}
	}
	if effect.PopMax > 0 {
		if err := c.emitUnderflowCheck(effect.PopMax); err != nil {
			return err
		}
	}
	return nil
}

// emitHighWaterAddress leaves r1 ± byteOffset in r3: the short form when
// the offset fits the 8-bit add/sub immediate, otherwise a synthesised
// 16-bit offset combined through a register subtract/add. byteOffset is
// bounded by the stack capacity, which the bytecode grammar caps well
// below 16 bits.
func (c *Compiler) emitHighWaterAddress(byteOffset uint32, subtract bool) error {
	if byteOffset <= 0xff {
		if err := c.append(c.enc.MoveLowToLow(thumb.R3, thumb.R1)); err != nil {
			return err
		}
		word := c.enc.AddLargeImm(thumb.R3, byteOffset)
		if subtract {
			word = c.enc.SubLargeImm(thumb.R3, byteOffset)
		}
		return c.append(word)
	}

	seq := []uint16{
		c.enc.MoveImmediate(thumb.R3, byteOffset>>8),
		c.enc.LogicalShiftLeftImmediate(thumb.R3, thumb.R3, 8),
		c.enc.AddLargeImm(thumb.R3, byteOffset&0xff),
	}
	if err := c.appendAll(seq); err != nil {
		return err
	}
	if subtract {
		return c.append(c.enc.SubRegisters(thumb.R3, thumb.R1, thumb.R3))
	}
	return c.append(c.enc.AddRegisters(thumb.R3, thumb.R1, thumb.R3))
}

// emitOverflowCheck guards against the shadow stack pointer (r1) dropping
// below stack_base (r8) were pushMax more words pushed: r3 = r1 - pushMax*4;
// branch to StackOverflowLocation if r3 < r8 (unsigned).
func (c *Compiler) emitOverflowCheck(pushMax int) error {
	if err := c.emitHighWaterAddress(uint32(pushMax*4), true); err != nil {
		return err
	}
	if err := c.append(c.enc.CompareLowRegisters(thumb.R3, thumb.R8)); err != nil {
		return err
	}
	_, err := c.link.ReserveSpecial(c.buf, thumb.CondCC, linker.StackOverflowLocation)
	return err
}

// emitUnderflowCheck guards against the shadow stack pointer rising past
// stack_end (r9) were popMax more words popped: r3 = r1 + popMax*4; branch
// to StackUnderflowLocation if r3 > r9 (unsigned).
func (c *Compiler) emitUnderflowCheck(popMax int) error {
	if err := c.emitHighWaterAddress(uint32(popMax*4), false); err != nil {
		return err
	}
	if err := c.append(c.enc.CompareLowRegisters(thumb.R3, thumb.R9)); err != nil {
		return err
	}
	_, err := c.link.ReserveSpecial(c.buf, thumb.CondHI, linker.StackUnderflowLocation)
	return err
}
