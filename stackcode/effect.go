package stackcode

// Effect is a tagged union replacing a sticky INT_MAX sentinel: a known
// integer pop/push count, or an explicit "depends on runtime state"
// marker.
type Effect struct {
	Value   int
	Unknown bool
}

// Known constructs a resolved Effect.
func Known(v int) Effect { return Effect{Value: v} }

// UnknownEffect is the non-deterministic marker used for NDUP/NROT/NTUCK
// before the preceding push is resolved.
var UnknownEffect = Effect{Unknown: true}

// coreEffects gives the (pop, push) pair for every fixed-width core
// opcode. NDUP/NROT/NTUCK carry UnknownEffect for pop until resolved by the
// preceding push.
var coreEffects = map[Op][2]Effect{
	Add:    {Known(2), Known(1)},
	Sub:    {Known(2), Known(1)},
	Mul:    {Known(2), Known(1)},
	Div:    {Known(2), Known(1)},
	Mod:    {Known(2), Known(1)},
	Inc:    {Known(1), Known(1)},
	Dec:    {Known(1), Known(1)},
	Max:    {Known(2), Known(1)},
	Min:    {Known(2), Known(1)},
	Lt:     {Known(2), Known(1)},
	Le:     {Known(2), Known(1)},
	Eq:     {Known(2), Known(1)},
	Ge:     {Known(2), Known(1)},
	Gt:     {Known(2), Known(1)},
	Drop:   {Known(1), Known(0)},
	Dup:    {Known(1), Known(2)},
	Ndup:   {UnknownEffect, Known(1)}, // reach resolved from the pushed count
	Swap:   {Known(2), Known(2)},
	Rot:    {Known(3), Known(3)},
	Nrot:   {UnknownEffect, UnknownEffect},
	Tuck:   {Known(3), Known(3)},
	Ntuck:  {UnknownEffect, UnknownEffect},
	Size:   {Known(0), Known(1)},
	Nrnd:   {Known(1), Known(1)},
	Push8:  {Known(0), Known(1)},
	Push16: {Known(0), Known(1)},
	Fetch:  {Known(1), Known(1)},
	Call:   {Known(1), Known(0)},
	Ret:    {Known(0), Known(0)},
	Jmp:    {Known(1), Known(0)},
	Cjmp:   {Known(1), Known(0)},
	Wait:   {Known(1), Known(0)},
	Halt:   {Known(0), Known(0)},
}

// InstructionEffect resolves the (pop, push) pair for op. prevPush is the
// value of the instruction's small-constant push operand (NDUP/NTUCK/NROT
// consume it as their count) when known; the count resolves only when
// prevPushOK is true and prevPush is a small constant n ∈ [1..5],
// otherwise it stays UnknownEffect. For optional
// (≥0x80) instructions, pass their push/pop descriptor byte values
// directly as optPush/optPop (ignored for non-optional ops).
func InstructionEffect(op Op, prevPush int32, prevPushOK bool, optPush, optPop int) (pop, push Effect) {
	if op.IsOptional() {
		return Known(optPop), Known(optPush)
	}

	e, ok := coreEffects[op]
	if !ok {
		return UnknownEffect, UnknownEffect
	}
	pop, push = e[0], e[1]

	switch op {
	case Ndup:
		// NDUP replaces the count with the slot n below it, so the height
		// never changes but the read reaches the count plus n more slots.
		if prevPushOK && prevPush >= 1 && prevPush <= 5 {
			pop = Known(int(prevPush) + 1)
			push = Known(int(prevPush) + 1)
		}
	case Nrot, Ntuck:
		if prevPushOK && prevPush >= 1 && prevPush <= 5 {
			pop = Known(int(prevPush))
			push = Known(int(prevPush))
		}
	}
	return
}

// BlockEffect accumulates the three integers and deterministic-pops flag,
// tracked along an iterator pass over one basic block.
type BlockEffect struct {
	PopMax             int
	PushMax            int
	HeightDifference   int
	DeterministicPops  bool
	runningHeight      int
	initializedHeight  bool
}

// NewBlockEffect starts an accumulation in the deterministic state; the
// first UnknownEffect pop/push flips DeterministicPops to false for the
// remainder of the block.
func NewBlockEffect() BlockEffect {
	return BlockEffect{DeterministicPops: true}
}

// Accumulate folds one instruction's (pop, push) pair into the running
// block effect:
//
//	height_difference += pops_i − pushes_i
//	pop_max = max(pop_max, running_height)
//	push_max = max(push_max, −running_height)
func (b *BlockEffect) Accumulate(pop, push Effect) {
	if pop.Unknown || push.Unknown {
		b.DeterministicPops = false
		return
	}
	b.HeightDifference += pop.Value - push.Value
	b.runningHeight += pop.Value - push.Value
	if b.runningHeight > b.PopMax {
		b.PopMax = b.runningHeight
	}
	if -b.runningHeight > b.PushMax {
		b.PushMax = -b.runningHeight
	}
}

// Supersedes holds when a's bounds dominate b's, enabling elision of b's
// bounds check when reached via a branch from a block whose effect is a:
// B.pop ≤ A.pop − A.hd and B.push ≤ A.push + A.hd.
func Supersedes(a, b BlockEffect) bool {
	return b.PopMax <= a.PopMax-a.HeightDifference && b.PushMax <= a.PushMax+a.HeightDifference
}
