package regfile

import "microjit/thumb"

// cowAllocator is the copy-on-write variant: a "read"
// register holds a value exactly as loaded from memory and is never
// mutated in place; an operation that would modify a cached slot instead
// allocates a fresh "write" register for the result, leaving the read
// register (and the memory it mirrors) untouched until it is evicted.
// Offsets that never need reloading — freshly pushed compile-time
// constants — are tracked in knownConstant and materialised lazily, only
// once an instruction actually demands the value in a register.
type cowAllocator struct {
	enc  *thumb.Encoder
	base thumb.Register

	readForOffset  map[int]thumb.Register
	writeForOffset map[int]thumb.Register
	knownConstant  map[int]int32
	registerInUse  map[thumb.Register]bool
	depth          int // number of logical stack slots currently tracked, 0 is the top

	cmpLhs, cmpRhs thumb.Register
	haveCmp        bool
}

func newCOWAllocator(base thumb.Register) *cowAllocator {
	return &cowAllocator{
		enc:            thumb.NewEncoder(),
		base:           base,
		readForOffset:  make(map[int]thumb.Register),
		writeForOffset: make(map[int]thumb.Register),
		knownConstant:  make(map[int]int32),
		registerInUse:  make(map[thumb.Register]bool),
	}
}

func (c *cowAllocator) load(r thumb.Register, offWords uint32) uint16 {
	return c.enc.LoadWordWithOffset(r, c.base, offWords)
}

func (c *cowAllocator) store(r thumb.Register, offWords uint32) uint16 {
	return c.enc.StoreWordWithOffset(r, c.base, offWords)
}

// shift renumbers every tracked offset by delta (positive when the
// logical top moves down into the stack after a push, negative after a
// pop), keeping the three maps consistent with "offset 0 is always the
// current top" without re-touching any register.
func (c *cowAllocator) shift(delta int) {
	renumber := func(m map[int]thumb.Register) {
		next := make(map[int]thumb.Register, len(m))
		for off, r := range m {
			next[off+delta] = r
		}
		for k := range m {
			delete(m, k)
		}
		for k, v := range next {
			m[k] = v
		}
	}
	renumber(c.readForOffset)
	renumber(c.writeForOffset)
	nextConst := make(map[int]int32, len(c.knownConstant))
	for off, v := range c.knownConstant {
		nextConst[off+delta] = v
	}
	c.knownConstant = nextConst
	c.depth += delta
}

func (c *cowAllocator) registerFor(offset int) (thumb.Register, bool) {
	if r, ok := c.writeForOffset[offset]; ok {
		return r, true
	}
	if r, ok := c.readForOffset[offset]; ok {
		return r, true
	}
	return 0, false
}

func (c *cowAllocator) nextFreeRegister() (thumb.Register, []uint16) {
	for _, w := range Window {
		if !c.registerInUse[w] {
			c.registerInUse[w] = true
			return w, nil
		}
	}
	// Nothing free: evict the deepest read register first (costs
	// nothing, memory already mirrors it); fall back to spilling the
	// deepest write register if every cached value has been modified.
	deepestReadOffset, haveRead := -1, false
	for off := range c.readForOffset {
		if off > deepestReadOffset {
			deepestReadOffset, haveRead = off, true
		}
	}
	if haveRead {
		r := c.readForOffset[deepestReadOffset]
		delete(c.readForOffset, deepestReadOffset)
		return r, nil
	}
	deepestWriteOffset := -1
	for off := range c.writeForOffset {
		if off > deepestWriteOffset {
			deepestWriteOffset = off
		}
	}
	r := c.writeForOffset[deepestWriteOffset]
	code := []uint16{c.store(r, uint32(deepestWriteOffset))}
	delete(c.writeForOffset, deepestWriteOffset)
	return r, code
}

func (c *cowAllocator) materialise(offset int) ([]uint16, error) {
	if _, ok := c.registerFor(offset); ok {
		return nil, nil
	}
	var code []uint16
	r, evictCode := c.nextFreeRegister()
	code = append(code, evictCode...)
	if v, ok := c.knownConstant[offset]; ok {
		code = append(code, synthesiseConstant(c.enc, r, v)...)
		c.writeForOffset[offset] = r
		delete(c.knownConstant, offset)
	} else {
		code = append(code, c.load(r, uint32(offset)))
		c.readForOffset[offset] = r
	}
	if errs := c.enc.Errors(); errs.Any() {
		return nil, ErrTooManyOperands
	}
	return code, nil
}

func (c *cowAllocator) EnsureTop(n int) ([]thumb.Register, []uint16, error) {
	if n > len(Window) {
		return nil, nil, ErrTooManyOperands
	}
	var code []uint16
	regs := make([]thumb.Register, n)
	for offset := 0; offset < n; offset++ {
		more, err := c.materialise(offset)
		if err != nil {
			return nil, nil, err
		}
		code = append(code, more...)
		r, _ := c.registerFor(offset)
		regs[offset] = r
	}
	return regs, code, nil
}

func (c *cowAllocator) Push(reg thumb.Register) []uint16 {
	c.haveCmp = false
	c.shift(1)
	c.registerInUse[reg] = true
	c.writeForOffset[0] = reg
	return nil
}

func (c *cowAllocator) PushConstant(value int32) (thumb.Register, []uint16) {
	c.haveCmp = false
	c.shift(1)
	c.knownConstant[0] = value
	return 0, nil // caller need not materialise a register unless it's consumed
}

func (c *cowAllocator) Pop(n int) {
	c.haveCmp = false
	for offset := 0; offset < n; offset++ {
		if r, ok := c.readForOffset[offset]; ok {
			c.registerInUse[r] = false
			delete(c.readForOffset, offset)
		}
		if r, ok := c.writeForOffset[offset]; ok {
			c.registerInUse[r] = false
			delete(c.writeForOffset, offset)
		}
		delete(c.knownConstant, offset)
	}
	c.shift(-n)
}

func (c *cowAllocator) Drop() []uint16 {
	c.Pop(1)
	return nil
}

func (c *cowAllocator) Dup() []uint16 {
	c.haveCmp = false
	// The caller has already grown the stack pointer for the duplicate, so
	// the source value sits at offset 1 by the time any load emitted here
	// executes.
	c.shift(1)
	code, err := c.materialise(1)
	if err != nil {
		return nil
	}
	src, _ := c.registerFor(1)
	dst, evictCode := c.nextFreeRegister()
	code = append(code, evictCode...)
	code = append(code, c.enc.MoveLowToLow(dst, src))
	c.writeForOffset[0] = dst
	return code
}

func (c *cowAllocator) Swap() []uint16 {
	regs, code, err := c.EnsureTop(2)
	if err != nil {
		return nil
	}
	c.haveCmp = false
	a, b := regs[0], regs[1]
	c.promote(0, b)
	c.promote(1, a)
	return code
}

func (c *cowAllocator) Rot() []uint16 {
	regs, code, err := c.EnsureTop(3)
	if err != nil {
		return nil
	}
	c.haveCmp = false
	a, b, cc := regs[0], regs[1], regs[2]
	c.promote(0, b)
	c.promote(1, cc)
	c.promote(2, a)
	return code
}

func (c *cowAllocator) Tuck() []uint16 {
	regs, code, err := c.EnsureTop(3)
	if err != nil {
		return nil
	}
	c.haveCmp = false
	a, b, cc := regs[0], regs[1], regs[2]
	c.promote(0, cc)
	c.promote(1, a)
	c.promote(2, b)
	return code
}

// promote installs reg as the authoritative (write) register for offset,
// clearing any stale read-register entry to keep the two maps disjoint.
func (c *cowAllocator) promote(offset int, reg thumb.Register) {
	delete(c.readForOffset, offset)
	delete(c.knownConstant, offset)
	c.writeForOffset[offset] = reg
}

func (c *cowAllocator) Flush() []uint16 {
	var code []uint16
	for offset, r := range c.writeForOffset {
		code = append(code, c.store(r, uint32(offset)))
		c.registerInUse[r] = false
	}
	for offset, v := range c.knownConstant {
		r, evictCode := c.nextFreeRegister()
		code = append(code, evictCode...)
		code = append(code, synthesiseConstant(c.enc, r, v)...)
		code = append(code, c.store(r, uint32(offset)))
		c.registerInUse[r] = false
	}
	for _, r := range c.readForOffset {
		c.registerInUse[r] = false
	}
	c.writeForOffset = make(map[int]thumb.Register)
	c.readForOffset = make(map[int]thumb.Register)
	c.knownConstant = make(map[int]int32)
	c.haveCmp = false
	return code
}

func (c *cowAllocator) ReturnToNaiveState() []uint16 {
	return c.Flush()
}

func (c *cowAllocator) KnownConstant(depth int) (int32, bool) {
	v, ok := c.knownConstant[depth]
	return v, ok
}

func (c *cowAllocator) NoteComparison(lhs, rhs thumb.Register) {
	c.cmpLhs, c.cmpRhs, c.haveCmp = lhs, rhs, true
}

func (c *cowAllocator) ComparisonRegisters() (thumb.Register, thumb.Register, bool) {
	return c.cmpLhs, c.cmpRhs, c.haveCmp
}
