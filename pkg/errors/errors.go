package errors

import (
	"fmt"
	"runtime"
	"time"
)

// Error - coded error carried across every polycall boundary
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Context   map[string]string
	Stack     []Frame
	Timestamp time.Time
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// InternalError is implemented by package-local error types that know how
// to turn themselves into a coded *Error
type InternalError interface {
	error
	Transform() *Error
}

// New creates a coded error. Code is compulsory, cause may be nil.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Stack:     captureStackTrace(),
	}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

func Wrap(code Code, err error, message string) *Error {
	return New(code, message, err)
}

func Wrapf(code Code, err error, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), err)
}

// AddContext attaches a key/value pair and returns the receiver for chaining
func (e *Error) AddContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Severity returns the severity class of the error's code
func (e *Error) Severity() Severity {
	return SeverityOf(e.Code)
}

// Error renders "message: cause". A cause whose text is the message, as
// left by AsError on a foreign error, is not repeated.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	cause := e.Cause.Error()
	if cause == e.Message {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func captureStackTrace() []Frame {
	var frames []Frame
	for i := 2; i < 12; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "unknown"
		if fn != nil {
			name = fn.Name()
		}
		frames = append(frames, Frame{
			Function: name,
			File:     file,
			Line:     line,
		})
	}
	return frames
}
