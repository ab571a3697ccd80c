package codegen

// Status is the code generator's typed error discriminant, the codegen
// counterpart of analysis.Status and linker's errors, following the
// same per-stage status taxonomy.
type Status int

const (
	Success Status = iota
	UnknownFailure
	StaticAnalysisFailed
	UnsupportedVariableJump
	RegisterAllocationError
	InstructionEncodingError
	LinkerFailed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case UnknownFailure:
		return "UnknownFailure"
	case StaticAnalysisFailed:
		return "StaticAnalysisFailed"
	case UnsupportedVariableJump:
		return "UnsupportedVariableJump"
	case RegisterAllocationError:
		return "RegisterAllocationError"
	case InstructionEncodingError:
		return "InstructionEncodingError"
	case LinkerFailed:
		return "LinkerFailed"
	default:
		return "Unknown"
	}
}

// State names one stop along the compiler's documented state machine:
// NotStarted -> AnalysisComplete -> EmittingFunction ->
// EmittingBlock -> Linking -> Done. Compile refuses to run unless the
// machine is in NotStarted, and CompileFunctionDynamically refuses to run
// unless it is in Done; the intermediate transitions are recorded and
// reported to observers but not checked.
type State int

const (
	NotStarted State = iota
	AnalysisComplete
	EmittingFunction
	EmittingBlock
	Linking
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AnalysisComplete:
		return "AnalysisComplete"
	case EmittingFunction:
		return "EmittingFunction"
	case EmittingBlock:
		return "EmittingBlock"
	case Linking:
		return "Linking"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}
