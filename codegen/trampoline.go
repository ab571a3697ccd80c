package codegen

import (
	"github.com/pkg/errors"

	"microjit/linker"
	"microjit/stackcode"
	"microjit/thumb"
)

// needsHelperCall is the set of operations too irregular to lower as a
// handful of native Thumb instructions, mirroring
// analysis.requiresHelperCall's recursion-conservative bucket: no hardware
// divide on Cortex-M0+, NROT/NTUCK need a runtime-popped element count,
// WAIT blocks in the platform, and every optional (≥0x80) instruction
// dispatches to whatever device.Bus the program was compiled against.
// SIZE and FETCH lower natively instead (lowerSize, lowerFetch).
func needsHelperCall(op stackcode.Op) bool {
	switch op {
	case stackcode.Div, stackcode.Mod, stackcode.Nrnd, stackcode.Nrot,
		stackcode.Ntuck, stackcode.Wait:
		return true
	}
	return op.IsOptional()
}

// helperKey maps an irregular opcode to a synthetic, negative
// blockWordOffset key that never collides with a real bytecode offset
// (always ≥0). Every device-dispatched instruction shares one stub, since
// the dispatch itself is uniform across which optional opcode triggered it.
func helperKey(op stackcode.Op) int {
	if op.IsOptional() {
		return -(1000 + 256)
	}
	return -(1000 + int(op))
}

// dynamicCallKey is the synthetic destination the dynamic-call trampoline
// (an unresolved CALL target) branches to, distinct from any per-opcode
// helper stub key.
const dynamicCallKey = -(1000 + 512)

// emitHelperCall reserves a BL-style call site to op's helper stub. Callers
// are expected to have already flushed the register allocator to naive
// state, since the stub assumes a fully memory-resident stack.
func (c *Compiler) emitHelperCall(op stackcode.Op) error {
	key := helperKey(op)
	c.pendingHelpers[key] = op
	_, err := c.link.Reserve(c.buf, linker.CallKind, thumb.CondAL, key)
	return err
}

// emitDynamicCallStub reserves a call site to the shared dynamic-call
// trampoline stub, used when a CALL's target could not be resolved at
// analysis time. A real implementation would have this stub consult
// VMState.JumpTable and invoke Compiler.CompileFunctionDynamically on a
// miss; the stub emitted here is structural only, for the reasons
// documented on emitHelperStubs.
func (c *Compiler) emitDynamicCallStub() error {
	c.pendingHelpers[dynamicCallKey] = stackcode.Call
	_, err := c.link.Reserve(c.buf, linker.CallKind, thumb.CondAL, dynamicCallKey)
	return err
}

// CompileFunctionDynamically compiles the function headed at entry into an
// already-Done Compiler's buffer, for a CALL whose target the static
// analyser could not resolve (analysis.Result.HasDynamicCalls). It extends
// the existing analysis.Result in place, appends the new function's code,
// re-links (idempotent: already-resolved sites simply patch to the same
// word offsets), and returns the new function's entry word offset for the
// caller to install into VMState.JumpTable.
func (c *Compiler) CompileFunctionDynamically(entry int) (int, error) {
	if c.state != Done {
		return 0, errors.New("codegen: CompileFunctionDynamically called before Compile completed")
	}
	if w, ok := c.blockWordOffset[entry]; ok {
		return w, nil
	}

	if err := c.result.AnalyseFrom(entry, c.cfg); err != nil {
		return 0, errors.Wrap(err, "codegen: analyse dynamic call target")
	}

	var target stackcode.Region
	found := false
	for _, fn := range c.result.Functions() {
		if fn.Start == entry {
			target, found = fn, true
		}
	}
	if !found {
		return 0, errors.Errorf("codegen: dynamic target %d produced no function region", entry)
	}

	if err := c.buf.Reopen(); err != nil {
		return 0, errors.Wrap(err, "codegen: reopen code buffer for dynamic compilation")
	}

	if err := c.emitFunction(target); err != nil {
		return 0, err
	}
	if err := c.emitHelperStubs(); err != nil {
		return 0, err
	}
	if err := c.link.Link(c.buf, c.blockWordOffset, c.specialWordOffset); err != nil {
		return 0, errors.Wrap(err, "codegen: re-link after dynamic compilation")
	}
	if err := c.buf.Commit(); err != nil {
		return 0, errors.Wrap(err, "codegen: commit code buffer after dynamic compilation")
	}

	// emitFunction drove the state machine through EmittingBlock; settle
	// back to Done so further dynamic requests are accepted.
	c.setState(Done)

	return c.blockWordOffset[entry], nil
}
