// Package analysis discovers functions and basic blocks from a flat
// StackVM byte stream by worklist traversal, tagging each byte with
// Metadata and detecting program-wide properties (recursion, dynamic
// calls).
package analysis

import (
	"sort"

	"github.com/sirupsen/logrus"

	"microjit/config"
	"microjit/stackcode"
)

// Result holds the discovered regions and per-byte metadata for one
// analysis pass, plus the queries the code
// generator needs to consume them.
type Result struct {
	code stackcode.Array
	meta []Metadata

	functions   []stackcode.Region // keyed by start offset, appended as discovered
	basicBlocks []stackcode.Region // sorted by Start once analysis converges

	functionByHead    map[int]stackcode.Region
	blockOwnerFunc     map[int]int // basic block head -> owning function head
	callDestinations   map[int]bool
	jumpDestinations   map[int]bool
	noRecursionByHead  map[int]bool
	hasDynamicCalls    bool

	log *logrus.Entry
}

func newResult(code stackcode.Array) *Result {
	return &Result{
		code:              code,
		meta:              make([]Metadata, code.Len()),
		functionByHead:    make(map[int]stackcode.Region),
		blockOwnerFunc:    make(map[int]int),
		callDestinations:  make(map[int]bool),
		jumpDestinations:  make(map[int]bool),
		noRecursionByHead: make(map[int]bool),
		log:               logrus.WithField("component", "StaticAnalyser"),
	}
}

// requiresHelperCall reports whether op belongs to the irregular-opcode
// bucket (DIV/MOD/NRND/NROT/NTUCK/SIZE/WAIT/optional), which
// conservatively sets the recursion flag because a helper call could
// re-enter the function graph. The bucket includes SIZE, which codegen
// lowers natively rather than through a helper call.
func requiresHelperCall(op stackcode.Op) bool {
	switch op {
	case stackcode.Div, stackcode.Mod, stackcode.Nrnd, stackcode.Nrot,
		stackcode.Ntuck, stackcode.Size, stackcode.Wait:
		return true
	}
	return op.IsOptional()
}

// Analyse runs the two-nested-worklist algorithm starting
// from entry, which is ordinarily 0 but may be any caller-supplied offset
// for incremental analysis triggered by a dynamic call.
func Analyse(code stackcode.Array, entry int, cfg config.Config) (*Result, error) {
	r := newResult(code)
	if err := r.AnalyseFrom(entry, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// AnalyseFrom extends an existing Result with a new function reachable
// from offset, mutating the Result in place. This is what the dynamic-call
// trampoline invokes when it discovers a previously-unseen function.
func (r *Result) AnalyseFrom(entry int, cfg config.Config) error {
	funcWork := []int{entry}

	for len(funcWork) > 0 {
		fHead := funcWork[0]
		funcWork = funcWork[1:]

		if r.meta[fHead]&FunctionStart != 0 {
			continue
		}

		r.log.WithField("offset", fHead).Debug("entering function")

		blockWork := []int{fHead}
		fEnd := fHead
		functionHasRecursiveCalls := false
		firstBlock := true

		for len(blockWork) > 0 {
			bHead := blockWork[0]
			blockWork = blockWork[1:]

			if r.meta[bHead]&BasicBlockStart != 0 {
				continue
			}

			r.markBasicBlockStart(bHead, firstBlock, fHead)
			firstBlock = false

			end, newCallTargets, newBlockTargets, recursiveHere, err := r.walkBlock(bHead, fHead, &blockWork)
			if err != nil {
				return err
			}
			if end > fEnd {
				fEnd = end
			}
			functionHasRecursiveCalls = functionHasRecursiveCalls || recursiveHere
			funcWork = append(funcWork, newCallTargets...)
			blockWork = append(blockWork, newBlockTargets...)

			r.blockOwnerFunc[bHead] = fHead
		}

		region := stackcode.Region{Start: fHead, End: fEnd}
		r.functions = append(r.functions, region)
		r.functionByHead[fHead] = region
		r.meta[fHead] |= FunctionStart

		if !functionHasRecursiveCalls && cfg.TailCallsOptimised {
			r.meta[fHead] |= NoRecursion
			r.noRecursionByHead[fHead] = true
		}
	}

	return r.verify()
}

func (r *Result) markBasicBlockStart(offset int, isFunctionStart bool, fHead int) {
	r.meta[offset] |= Code | BasicBlockStart
	if isFunctionStart {
		r.meta[offset] |= FunctionStart
	}
	r.basicBlocks = append(r.basicBlocks, stackcode.Region{Start: offset, End: offset})
}

// walkBlock tags every byte of one basic block starting at bHead as Code,
// applies width flags, and returns the block's end offset plus any newly
// discovered call/jump targets to seed onto the worklists.
func (r *Result) walkBlock(bHead, fHead int, _ *[]int) (end int, callTargets, blockTargets []int, recursive bool, err error) {
	it := stackcode.NewIterator(r.code, bHead)

	// pendingPush tracks the constant value of the PUSH8/PUSH16 textually
	// immediately preceding the instruction currently being processed.
	// Iterator.LastWasPush reports on the op the iterator currently sits
	// on, not the one before it, so JMP/CJMP/CALL (which never push)
	// cannot use it directly to recover a preceding constant target; this
	// local tracking captures it at the point the PUSH is itself visited.
	var pendingPush int32
	var havePendingPush bool

	for it.Advance() {
		off := it.Offset()
		op := it.Op()
		width := op.Width()

		if r.meta[off]&Illegal != 0 {
			return 0, nil, nil, false, &Error{Status: CodeOverlapsWithIllegalInstruction, Offset: off}
		}
		r.meta[off] |= Code

		switch width {
		case 2:
			if it.NextOffset()-1 < len(r.meta) {
				r.meta[it.NextOffset()-1] |= LastInstructionDoubleWidth
			}
		case 3:
			if it.NextOffset()-1 < len(r.meta) {
				r.meta[it.NextOffset()-1] |= LastInstructionTripleWidth
			}
		}

		end = it.NextOffset()

		if op == stackcode.Push8 || op == stackcode.Push16 {
			pendingPush, _ = it.LastWasPush()
			havePendingPush = true
			continue
		}

		switch op {
		case stackcode.Halt, stackcode.Ret:
			return end, callTargets, blockTargets, recursive, nil

		case stackcode.Jmp, stackcode.Cjmp:
			if !havePendingPush {
				return 0, nil, nil, false, &Error{Status: VariableJumpNotAllowed, Offset: off}
			}
			dest := int(pendingPush)
			if !r.code.InBounds(dest) {
				return 0, nil, nil, false, &Error{Status: IllegalJump, Offset: off}
			}
			r.jumpDestinations[dest] = true
			blockTargets = append(blockTargets, dest)
			if op == stackcode.Cjmp {
				blockTargets = append(blockTargets, it.NextOffset())
			}
			return end, callTargets, blockTargets, recursive, nil

		case stackcode.Call:
			if !havePendingPush {
				r.hasDynamicCalls = true
				havePendingPush = false
				continue
			}
			dest := int(pendingPush)
			if !r.code.InBounds(dest) {
				return 0, nil, nil, false, &Error{Status: IllegalCall, Offset: off}
			}
			r.callDestinations[dest] = true
			callTargets = append(callTargets, dest)

			if dest == fHead {
				nextOff := it.NextOffset()
				isTailCall := r.code.InBounds(nextOff) && stackcode.Op(r.code.At(nextOff)) == stackcode.Ret
				if !isTailCall {
					recursive = true
				}
			} else {
				// A call into another function could transitively re-enter
				// this one; conservatively treat any non-tail call as
				// disqualifying the leaf-epilogue optimisation.
				recursive = true
			}

		default:
			if requiresHelperCall(op) {
				recursive = true
			}
		}

		// A jump/call target is only constant when the push textually
		// precedes it, so anything that wasn't a push invalidates the
		// tracked value.
		havePendingPush = false
	}

	return end, callTargets, blockTargets, recursive, nil
}

// verify checks the whole-program metadata invariants required once the
// worklists have converged.
func (r *Result) verify() error {
	for i, m := range r.meta {
		if err := m.Validate(); err != nil {
			return &Error{Status: CodeOverlapsWithIllegalInstruction, Offset: i}
		}
	}

	sort.Slice(r.basicBlocks, func(i, j int) bool { return r.basicBlocks[i].Start < r.basicBlocks[j].Start })
	return nil
}

// BasicBlocksForFunction returns the sub-regions of fn each starting at a
// BasicBlockStart byte, in ascending offset order.
func (r *Result) BasicBlocksForFunction(fn stackcode.Region) []stackcode.Region {
	var out []stackcode.Region
	for i, bb := range r.basicBlocks {
		if !fn.Contains(bb.Start) {
			continue
		}
		end := fn.End
		if i+1 < len(r.basicBlocks) && r.basicBlocks[i+1].Start < end {
			end = r.basicBlocks[i+1].Start
		}
		out = append(out, stackcode.Region{Start: bb.Start, End: end})
	}
	return out
}

// BasicBlockAt returns the block containing byte offset index.
func (r *Result) BasicBlockAt(index int) (stackcode.Region, bool) {
	for i, bb := range r.basicBlocks {
		end := r.code.Len()
		if i+1 < len(r.basicBlocks) {
			end = r.basicBlocks[i+1].Start
		}
		if index >= bb.Start && index < end {
			return stackcode.Region{Start: bb.Start, End: end}, true
		}
	}
	return stackcode.Region{}, false
}

// IsCallDestination reports whether any CALL targets offset i.
func (r *Result) IsCallDestination(i int) bool { return r.callDestinations[i] }

// IsJumpDestination reports whether any JMP/CJMP targets offset i.
func (r *Result) IsJumpDestination(i int) bool { return r.jumpDestinations[i] }

// FunctionNeedsToPushRegisters is the negation of NoRecursion for the
// function headed at i.
func (r *Result) FunctionNeedsToPushRegisters(i int) bool {
	return !r.noRecursionByHead[i]
}

// HasDynamicCalls reports whether any CALL in the analysed program targets
// a non-constant offset.
func (r *Result) HasDynamicCalls() bool { return r.hasDynamicCalls }

// Metadata returns the flag set recorded for byte offset i.
func (r *Result) Metadata(i int) Metadata { return r.meta[i] }

// Len returns the number of bytecode bytes this Result was analysed over,
// i.e. the length of its per-byte Metadata array.
func (r *Result) Len() int { return len(r.meta) }

// BasicBlocks returns every discovered basic block region, sorted by start
// offset, across all functions. Used by transfer.DumpAnalysis to build the
// "sa" blob.
func (r *Result) BasicBlocks() []stackcode.Region {
	out := make([]stackcode.Region, len(r.basicBlocks))
	copy(out, r.basicBlocks)
	return out
}

// Functions returns every discovered function region.
func (r *Result) Functions() []stackcode.Region {
	out := make([]stackcode.Region, len(r.functions))
	copy(out, r.functions)
	return out
}

// StackEffect computes the BlockEffect for one basic block by walking it
// with an iterator, accumulating via stackcode.BlockEffect.Accumulate.
func (r *Result) StackEffect(block stackcode.Region) stackcode.BlockEffect {
	be := stackcode.NewBlockEffect()
	it := stackcode.NewIterator(r.code, block.Start)

	var lastPush int32
	var lastPushOK bool

	for it.Advance() && it.Offset() < block.End {
		op := it.Op()
		optPush, optPop := 0, 0
		if op.IsOptional() {
			optPush, optPop = r.code.OptionalEffect(it.Offset())
		}
		pop, push := stackcode.InstructionEffect(op, lastPush, lastPushOK, optPush, optPop)
		be.Accumulate(pop, push)

		lastPush, lastPushOK = it.LastWasPush()
	}
	return be
}
