package bridge

// Application failure codes carried in the error_code metadata of a
// response. They travel inside a delivered message, never as transport
// errors.
const (
	CodeFunctionCallFailed   = "function_call_failed"
	CodeUnknownPath          = "unknown_path"
	CodeUnknownSystemCommand = "unknown_system_command"
)
