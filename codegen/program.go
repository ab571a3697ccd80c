package codegen

import (
	"microjit/analysis"
	"microjit/thumb"
	"microjit/transfer"
)

// Program is the result of a successful Compile: the executable buffer plus
// everything a caller needs to invoke it or persist it via the transfer
// facade.
type Program struct {
	Buffer *thumb.CodeBuffer

	// EntryWordOffset is always 0: the program-startup prologue that loads
	// stack_base/stack_end into r8/r9 is the first thing any Compile emits.
	EntryWordOffset int

	Result *analysis.Result

	BlockWordOffset     map[int]int
	HaltWordOffset      int
	OverflowWordOffset  int
	UnderflowWordOffset int
}

// LinkMap adapts Program's offset bookkeeping into the shape
// transfer.SerialiseLinkMap persists.
func (p *Program) LinkMap() transfer.LinkMap {
	return transfer.LinkMap{
		BlockWordOffset:     p.BlockWordOffset,
		HaltWordOffset:      p.HaltWordOffset,
		OverflowWordOffset:  p.OverflowWordOffset,
		UnderflowWordOffset: p.UnderflowWordOffset,
	}
}

// EntryPointer returns the buffer's callable, interworking-tagged address.
func (p *Program) EntryPointer() (uintptr, error) {
	return p.Buffer.FunctionPointer()
}
