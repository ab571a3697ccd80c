package thumb

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrCodeBufferFull is returned when CodeBuffer cannot grow its backing
// mapping further; the allocator does not attempt to recover.
var ErrCodeBufferFull = errors.New("thumb: code buffer allocator exhausted")

// pageSize caches the result of a syscall so Grow doesn't hit the kernel on
// every append.
var pageSize = unix.Getpagesize()

// CodeBuffer is a growable, append-only buffer of 16-bit Thumb words. Once
// Commit is called the backing pages are marked executable and the buffer
// becomes callable through FunctionPointer/Call. Growth (via grow) remaps a
// larger region and copies prior contents, which
// invalidates any previously taken FunctionPointer — callers that need a
// stable address across growth should pre-reserve capacity.
type CodeBuffer struct {
	mem       []byte // mmap'd backing store, length in bytes
	words     int    // number of uint16 words appended so far
	committed bool
	jumpTable []uintptr
}

// NewCodeBuffer allocates a fresh mmap'd buffer with room for at least
// minWords 16-bit words.
func NewCodeBuffer(minWords int) (*CodeBuffer, error) {
	cb := &CodeBuffer{}
	if err := cb.reserve(minWords); err != nil {
		return nil, err
	}
	return cb, nil
}

func (cb *CodeBuffer) capacityWords() int {
	return len(cb.mem) / 2
}

func (cb *CodeBuffer) reserve(minWords int) error {
	byteLen := minWords * 2
	if byteLen < pageSize {
		byteLen = pageSize
	}
	// round up to a whole number of pages
	byteLen = ((byteLen + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, byteLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "thumb: mmap code buffer")
	}

	if cb.mem != nil {
		copy(mem, cb.mem)
		_ = unix.Munmap(cb.mem)
	}
	cb.mem = mem
	cb.committed = false
	return nil
}

// Length returns the number of 16-bit words appended so far.
func (cb *CodeBuffer) Length() int {
	return cb.words
}

// grow doubles capacity (or reserves exactly what's needed, whichever is
// larger) whenever an append would overflow the backing mapping.
func (cb *CodeBuffer) grow(extraWords int) error {
	need := cb.words + extraWords
	if need <= cb.capacityWords() {
		return nil
	}
	newCap := cb.capacityWords() * 2
	if newCap < need {
		newCap = need
	}
	return cb.reserve(newCap)
}

// Append writes a single 16-bit word at the end of the buffer.
func (cb *CodeBuffer) Append(word uint16) error {
	if err := cb.grow(1); err != nil {
		return err
	}
	o := cb.words * 2
	cb.mem[o] = byte(word)
	cb.mem[o+1] = byte(word >> 8)
	cb.words++
	return nil
}

// AppendPair writes two 16-bit words, used for long BL/BLX encodings.
func (cb *CodeBuffer) AppendPair(pair InstructionPair) error {
	if err := cb.Append(pair.First); err != nil {
		return err
	}
	return cb.Append(pair.Second)
}

// AppendData emits a 32-bit literal as two words, low half first, matching
// the PC-relative literal-pool convention.
func (cb *CodeBuffer) AppendData(data int32) error {
	u := uint32(data)
	if err := cb.Append(uint16(u)); err != nil {
		return err
	}
	return cb.Append(uint16(u >> 16))
}

// At returns the word at instruction index i, for linker patching.
func (cb *CodeBuffer) At(i int) uint16 {
	o := i * 2
	return uint16(cb.mem[o]) | uint16(cb.mem[o+1])<<8
}

// Patch overwrites the word at instruction index i. Used by the linker once
// final offsets are known; must happen before Commit.
func (cb *CodeBuffer) Patch(i int, word uint16) {
	o := i * 2
	cb.mem[o] = byte(word)
	cb.mem[o+1] = byte(word >> 8)
}

// PatchPair overwrites two adjacent words starting at instruction index i.
func (cb *CodeBuffer) PatchPair(i int, pair InstructionPair) {
	cb.Patch(i, pair.First)
	cb.Patch(i+1, pair.Second)
}

// AttachJumpTable associates a jump table of code-offset addresses used by
// the dynamic-call trampoline, and commits the buffer (attaching a table
// always implies the buffer is ready to run).
func (cb *CodeBuffer) AttachJumpTable(table []uintptr) error {
	cb.jumpTable = table
	return cb.Commit()
}

// JumpTable returns the currently attached jump table base, or nil.
func (cb *CodeBuffer) JumpTable() []uintptr {
	return cb.jumpTable
}

// Commit issues the data/instruction barrier pair required before invoking
// the buffer. On this target that is realized as mprotect flipping the
// mapping from writable to executable; every mutating path (Append, Patch,
// Grow) must be followed by Commit before the next Call.
func (cb *CodeBuffer) Commit() error {
	if len(cb.mem) == 0 {
		return nil
	}
	if err := unix.Mprotect(cb.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "thumb: mprotect code buffer executable")
	}
	cb.committed = true
	return nil
}

// reopenForWriting flips the mapping back to writable; used by the dynamic
// trampoline, which appends to a buffer that is simultaneously live on the
// caller's native stack. Callers must re-Commit before the buffer is
// invoked again.
func (cb *CodeBuffer) reopenForWriting() error {
	if err := unix.Mprotect(cb.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "thumb: mprotect code buffer writable")
	}
	cb.committed = false
	return nil
}

// Reopen is reopenForWriting's exported form, for the code generator's
// dynamic-call trampoline (microjit/codegen.Compiler.CompileFunctionDynamically),
// which lives in a different package and appends a newly-discovered
// function's code to an already-committed buffer.
func (cb *CodeBuffer) Reopen() error {
	return cb.reopenForWriting()
}

// FunctionPointer returns the buffer's base address with the Thumb
// interworking bit set. The buffer must have been Commit'd first.
func (cb *CodeBuffer) FunctionPointer() (uintptr, error) {
	if !cb.committed {
		return 0, errors.New("thumb: code buffer not committed")
	}
	if len(cb.mem) == 0 {
		return 0, errors.New("thumb: code buffer empty")
	}
	return uintptr(unsafe.Pointer(&cb.mem[0])) | 1, nil
}

// EntryFunc is the native calling convention compiled code is invoked
// through: VMState pointer, stack pointer, top-of-stack.
type EntryFunc func(state unsafe.Pointer, stackPointer unsafe.Pointer, topOfStack int32) unsafe.Pointer

// Call invokes the compiled function at the buffer's entry point using an
// ABI where the first three integer argument slots
// carry the VMState pointer, stack pointer, and top-of-stack. Building an
// EntryFunc from a raw code address requires platform-specific assembly
// trampolines that are out of scope for this portable core (see DESIGN.md);
// Call is therefore expressed in terms of a caller-supplied EntryFunc value
// so unit tests can exercise the CodeBuffer/Linker/CodeGenerator pipeline
// against the Interpreter without depending on an assembler stub.
func (cb *CodeBuffer) Call(entry EntryFunc, state unsafe.Pointer, stackPointer unsafe.Pointer, topOfStack int32) unsafe.Pointer {
	return entry(state, stackPointer, topOfStack)
}

// Close releases the mmap'd backing store.
func (cb *CodeBuffer) Close() error {
	if cb.mem == nil {
		return nil
	}
	err := unix.Munmap(cb.mem)
	cb.mem = nil
	return err
}
