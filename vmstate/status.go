// Package vmstate defines the runtime state record shared between the
// interpreter and compiled code, and the Layout that computes its
// wire offsets once at init time instead of hand-computing them.
package vmstate

// Status mirrors the VM-visible status codes returned to the embedder,
// each of which fits a single byte.
type Status uint32

const (
	Success Status = iota
	UnknownFailure
	StackOverflow
	StackUnderflow
	OutOfBoundsFetch
	CompilerError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case UnknownFailure:
		return "UnknownFailure"
	case StackOverflow:
		return "StackOverflow"
	case StackUnderflow:
		return "StackUnderflow"
	case OutOfBoundsFetch:
		return "OutOfBoundsFetch"
	case CompilerError:
		return "CompilerError"
	default:
		return "Unknown"
	}
}
