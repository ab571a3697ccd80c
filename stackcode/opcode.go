// Package stackcode provides an immutable, variable-width view over
// StackVM bytecode, the per-instruction/per-block stack-effect accounting
// built on top of it, and the Region type shared by the analyser and
// linker.
package stackcode

// Op is a single StackVM opcode byte.
type Op byte

// Core opcode set, fixed at 0x00-0x20.
const (
	Add Op = iota
	Sub
	Mul
	Div
	Mod
	Inc
	Dec
	Max
	Min
	Lt
	Le
	Eq
	Ge
	Gt
	Drop
	Dup
	Ndup
	Swap
	Rot
	Nrot
	Tuck
	Ntuck
	Size
	Nrnd
	Push8
	Push16
	Fetch
	Call
	Ret
	Jmp
	Cjmp
	Wait
	Halt
)

// Supplemental, device-facing optional instructions for a MicroBit-style
// device (LED/sound/sensors); any opcode ≥0x80 is "optional" and these
// are simply the named ones this repository's device.Bus understands.
const (
	OptSleep     Op = 0x80
	OptTone      Op = 0x81
	OptBeep      Op = 0x82
	OptRgb       Op = 0x83
	OptColour    Op = 0x84
	OptFlash     Op = 0x85
	OptTemp      Op = 0x86
	OptAccel     Op = 0x87
	OptPixel     Op = 0x88
	OptShowNumber Op = 0xA0
)

// IsOptional reports whether op is a device-dispatched instruction, i.e.
// has the high bit set.
func (op Op) IsOptional() bool {
	return op >= 0x80
}

// String names the opcode for diagnostics.
func (op Op) String() string {
	if op.IsOptional() {
		if name, ok := optionalNames[op]; ok {
			return name
		}
		return "OPTIONAL"
	}
	if int(op) < len(coreNames) {
		return coreNames[op]
	}
	return "ILLEGAL"
}

var coreNames = [...]string{
	"ADD", "SUB", "MUL", "DIV", "MOD", "INC", "DEC", "MAX", "MIN",
	"LT", "LE", "EQ", "GE", "GT", "DROP", "DUP", "NDUP", "SWAP", "ROT",
	"NROT", "TUCK", "NTUCK", "SIZE", "NRND", "PUSH8", "PUSH16", "FETCH",
	"CALL", "RET", "JMP", "CJMP", "WAIT", "HALT",
}

var optionalNames = map[Op]string{
	OptSleep:      "SLEEP",
	OptTone:       "TONE",
	OptBeep:       "BEEP",
	OptRgb:        "RGB",
	OptColour:     "COLOUR",
	OptFlash:      "FLASH",
	OptTemp:       "TEMP",
	OptAccel:      "ACCEL",
	OptPixel:      "PIXEL",
	OptShowNumber: "SHOW_NUMBER",
}

// Width returns the total encoded width in bytes of an instruction
// starting with op, including an optional instruction's effect byte,
// since it is a fixed structural part of the encoding.
func (op Op) Width() int {
	switch op {
	case Push8:
		return 2
	case Push16:
		return 3
	default:
		if op.IsOptional() {
			return 2
		}
		return 1
	}
}
