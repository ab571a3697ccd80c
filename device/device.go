// Package device implements the host device abstraction the compilation
// core sits on top of: a capability to resolve an optional (≥0x80)
// opcode to a handler, plus a program_halted() hook. It is a
// register-machine-style interrupt bus narrowed down to StackVM's
// simpler pop-args/push-results contract, exposed as a device.Bus that
// satisfies interp.Device and that codegen's optional-instruction
// lowering resolves against once at analysis time.
package device

import (
	"time"

	"microjit/stackcode"
)

// Handler answers one optional instruction dispatch: given the popped
// argument words, return the words to push (padded/truncated by the
// caller to the descriptor byte's declared push count) or an error.
type Handler func(args []int32) ([]int32, error)

// Bus resolves optional opcodes to Handlers and exposes the
// program_halted() hook. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	handlers map[stackcode.Op]Handler
	halted   func(status uint32)
}

// NewBus constructs an empty bus; register handlers with Register before
// resolving or dispatching. Handlers may be added and removed while a
// program runs, modeling a device attached or detached at runtime
// independently of program execution.
func NewBus() *Bus {
	return &Bus{handlers: make(map[stackcode.Op]Handler)}
}

// Register installs (or replaces) the handler for op. op must be an
// optional (≥0x80) opcode; non-optional opcodes are never dispatched
// through the bus.
func (b *Bus) Register(op stackcode.Op, h Handler) {
	b.handlers[op] = h
}

// Unregister removes op's handler, after which Resolve reports none for it.
func (b *Bus) Unregister(op stackcode.Op) {
	delete(b.handlers, op)
}

// Resolve implements the core's resolve(opcode) → function pointer or none
// capability. Dispatch calls it afresh on every dispatch; no result is
// cached.
func (b *Bus) Resolve(op stackcode.Op) (Handler, bool) {
	h, ok := b.handlers[op]
	return h, ok
}

// OnHalt installs the program_halted() hook, called once with the VM's
// final status code whenever compiled or interpreted execution reaches
// HALT or an error handler. A nil hook is a no-op.
func (b *Bus) OnHalt(fn func(status uint32)) {
	b.halted = fn
}

// ProgramHalted invokes the installed halt hook, if any.
func (b *Bus) ProgramHalted(status uint32) {
	if b.halted != nil {
		b.halted(status)
	}
}

// Dispatch implements interp.Device: it resolves op against the bus and
// invokes the handler, answering "not found" with zero pushed words and
// no error rather than failing the whole program over a missing
// optional instruction.
func (b *Bus) Dispatch(op stackcode.Op, args []int32) ([]int32, error) {
	h, ok := b.Resolve(op)
	if !ok {
		return nil, nil
	}
	return h(args)
}

// Clock abstracts the passage of time for blocking devices so tests can
// substitute a fake without actually sleeping; time.Sleep satisfies it.
type Clock func(time.Duration)

// SleepDevice answers OptSleep by blocking the calling goroutine for the
// requested duration: WAIT/optional instructions are ordinary helper
// calls that simply return when the device completes, with no
// interrupt/response-bus needed for a single-threaded cooperative VM.
type SleepDevice struct {
	sleep Clock
}

// NewSleepDevice constructs a device that sleeps via time.Sleep.
func NewSleepDevice() *SleepDevice {
	return &SleepDevice{sleep: time.Sleep}
}

// NewSleepDeviceWithClock constructs a device driven by a caller-supplied
// Clock, so tests can assert on requested durations without blocking.
func NewSleepDeviceWithClock(clock Clock) *SleepDevice {
	return &SleepDevice{sleep: clock}
}

// Handler blocks for args[0] milliseconds (a non-positive or missing
// duration is a no-op) and pushes nothing, matching OptSleep's push=0
// descriptor.
func (d *SleepDevice) Handler(args []int32) ([]int32, error) {
	ms := int32(0)
	if len(args) > 0 {
		ms = args[0]
	}
	if ms > 0 {
		d.sleep(time.Duration(ms) * time.Millisecond)
	}
	return nil, nil
}
