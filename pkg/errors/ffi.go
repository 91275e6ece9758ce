package errors

// Invocation error taxonomy shared by the dispatcher, every language bridge
// and the protocol bridge.
var (
	FFIInvalidParameters    = MustNewCode("ffi.invalid_parameters")
	FFIOutOfMemory          = MustNewCode("ffi.out_of_memory")
	FFIAlreadyExists        = MustNewCode("ffi.already_exists")
	FFICapacityExceeded     = MustNewCode("ffi.capacity_exceeded")
	FFITypeMismatch         = MustNewCode("ffi.type_mismatch")
	FFIConversionFailed     = MustNewCode("ffi.conversion_failed")
	FFIExecutionFailed      = MustNewCode("ffi.execution_failed")
	FFIUnsupportedOperation = MustNewCode("ffi.unsupported_operation")
	FFIInvalidState         = MustNewCode("ffi.invalid_state")
	FFINotFound             = MustNewCode("ffi.not_found")
	FFITimeout              = MustNewCode("ffi.timeout")
	FFIInitializationFailed = MustNewCode("ffi.initialization_failed")
)

// Protocol bridge codes
var (
	ProtocolRuleNotFound = MustNewCode("protocol.rule_not_found")
)

// Severity classifies how bad a failure is for the caller
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// warning-level codes leave the target unchanged and are safe to ignore
var warningCodes = map[string]struct{}{
	FFIAlreadyExists.String():     {},
	CommonAlreadyExists.String():  {},
	ProtocolRuleNotFound.String(): {},
}

var fatalCodes = map[string]struct{}{
	FFIOutOfMemory.String(): {},
}

// SeverityOf maps a code to its severity. Unknown codes are SeverityError.
func SeverityOf(code Code) Severity {
	if code.IsZero() {
		return SeverityError
	}
	if _, ok := warningCodes[code.String()]; ok {
		return SeverityWarning
	}
	if _, ok := fatalCodes[code.String()]; ok {
		return SeverityFatal
	}
	return SeverityError
}

// IsWarning reports whether err is a warning-level coded error
func IsWarning(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Severity() == SeverityWarning
}
