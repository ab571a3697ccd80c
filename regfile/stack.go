package regfile

import "microjit/thumb"

// stackAllocator caches the top of the operand stack in the rotating
// Window of registers. Reads
// of already-cached slots cost nothing; once the window fills, the oldest
// cached value is spilled to memory to make room for a new push.
type stackAllocator struct {
	enc  *thumb.Encoder
	base thumb.Register
	held []thumb.Register // top-to-bottom order, len(held) <= len(Window)

	cmpLhs, cmpRhs thumb.Register
	haveCmp        bool
}

func newStackAllocator(base thumb.Register) *stackAllocator {
	return &stackAllocator{enc: thumb.NewEncoder(), base: base}
}

func (s *stackAllocator) load(r thumb.Register, offWords uint32) uint16 {
	return s.enc.LoadWordWithOffset(r, s.base, offWords)
}

func (s *stackAllocator) store(r thumb.Register, offWords uint32) uint16 {
	return s.enc.StoreWordWithOffset(r, s.base, offWords)
}

// EnsureTop returns the top n registers, loading from the shadow stack
// whatever is not already cached. Memory for an uncached slot i is
// assumed to sit at word offset i behind the base register, which only
// holds if every push beyond the window has been immediately spilled by
// Push — the invariant this allocator maintains.
func (s *stackAllocator) EnsureTop(n int) ([]thumb.Register, []uint16, error) {
	if n > len(Window) {
		return nil, nil, ErrTooManyOperands
	}
	var code []uint16
	for len(s.held) < n {
		idx := len(s.held)
		r := Window[idx]
		code = append(code, s.load(r, uint32(idx)))
		s.held = append(s.held, r)
	}
	if errs := s.enc.Errors(); errs.Any() {
		return nil, nil, ErrTooManyOperands
	}
	return append([]thumb.Register(nil), s.held[:n]...), code, nil
}

func (s *stackAllocator) Push(reg thumb.Register) []uint16 {
	s.haveCmp = false
	var code []uint16
	if len(s.held) >= len(Window) {
		// Window is full: the bottom-most cached value has to go to
		// memory to make room, at the offset it will occupy once reg is
		// logically on top.
		evicted := s.held[len(s.held)-1]
		code = append(code, s.store(evicted, uint32(len(Window))))
		s.held = s.held[:len(Window)-1]
	}
	s.held = append([]thumb.Register{reg}, s.held...)
	return code
}

func (s *stackAllocator) PushConstant(value int32) (thumb.Register, []uint16) {
	r := Window[0]
	if len(s.held) > 0 {
		// find a free window slot not currently held
		for _, w := range Window {
			if !s.registerHeld(w) {
				r = w
				break
			}
		}
	}
	code := synthesiseConstant(s.enc, r, value)
	code = append(code, s.Push(r)...)
	return r, code
}

func (s *stackAllocator) registerHeld(r thumb.Register) bool {
	for _, h := range s.held {
		if h == r {
			return true
		}
	}
	return false
}

func (s *stackAllocator) Pop(count int) {
	s.haveCmp = false
	if count >= len(s.held) {
		s.held = nil
		return
	}
	s.held = s.held[count:]
}

func (s *stackAllocator) Drop() []uint16 {
	s.Pop(1)
	return nil
}

func (s *stackAllocator) Dup() []uint16 {
	s.haveCmp = false
	if len(s.held) == 0 {
		r := Window[0]
		code := []uint16{s.load(r, 1)}
		code = append(code, s.Push(r)...)
		return code
	}
	top := s.held[0]
	free := Window[len(Window)-1]
	for _, w := range Window {
		if !s.registerHeld(w) {
			free = w
			break
		}
	}
	code := []uint16{s.enc.MoveLowToLow(free, top)}
	code = append(code, s.Push(free)...)
	return code
}

func (s *stackAllocator) Swap() []uint16 {
	regs, code, err := s.EnsureTop(2)
	if err != nil {
		return nil
	}
	a, b := regs[0], regs[1]
	s.held[0], s.held[1] = b, a
	s.haveCmp = false
	return code
}

func (s *stackAllocator) Rot() []uint16 {
	regs, code, err := s.EnsureTop(3)
	if err != nil {
		return nil
	}
	a, b, c := regs[0], regs[1], regs[2]
	s.held[0], s.held[1], s.held[2] = b, c, a
	s.haveCmp = false
	return code
}

func (s *stackAllocator) Tuck() []uint16 {
	regs, code, err := s.EnsureTop(3)
	if err != nil {
		return nil
	}
	a, b, c := regs[0], regs[1], regs[2]
	s.held[0], s.held[1], s.held[2] = c, a, b
	s.haveCmp = false
	return code
}

func (s *stackAllocator) Flush() []uint16 {
	var code []uint16
	for i, r := range s.held {
		code = append(code, s.store(r, uint32(i)))
	}
	s.held = nil
	s.haveCmp = false
	return code
}

func (s *stackAllocator) ReturnToNaiveState() []uint16 {
	return s.Flush()
}

func (s *stackAllocator) KnownConstant(int) (int32, bool) {
	return 0, false
}

func (s *stackAllocator) NoteComparison(lhs, rhs thumb.Register) {
	s.cmpLhs, s.cmpRhs, s.haveCmp = lhs, rhs, true
}

func (s *stackAllocator) ComparisonRegisters() (thumb.Register, thumb.Register, bool) {
	return s.cmpLhs, s.cmpRhs, s.haveCmp
}
