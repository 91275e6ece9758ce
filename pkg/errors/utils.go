package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// IsPolycallError reports whether err is (or wraps) a coded *Error
func IsPolycallError(err error) bool {
	var e *Error
	return stderrors.As(err, &e)
}

// GetContext extracts the context map of a coded error
func GetContext(err error) map[string]string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Context
	}
	return nil
}

// GetCode returns the code string of the outermost coded error in the chain,
// or "" for foreign errors
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code.String()
	}
	return ""
}

// HasCode reports whether any coded error in the chain carries code
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code.Equals(code) {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// WithAdditional copies a coded error and appends a numbered note to its
// context. Foreign errors get wrapped under CommonInternal.
func WithAdditional(cause error, format string, args ...interface{}) *Error {
	note := fmt.Sprintf(format, args...)

	e, ok := cause.(*Error)
	if !ok {
		return Wrap(CommonInternal, cause, note).AddContext("additional_0", note)
	}

	out := &Error{
		Code:      e.Code,
		Message:   e.Message,
		Cause:     e.Cause,
		Context:   make(map[string]string, len(e.Context)+1),
		Stack:     e.Stack,
		Timestamp: e.Timestamp,
	}
	for k, v := range e.Context {
		out.Context[k] = v
	}

	idx := 0
	for {
		if _, taken := out.Context[fmt.Sprintf("additional_%d", idx)]; !taken {
			break
		}
		idx++
	}
	out.Context[fmt.Sprintf("additional_%d", idx)] = note
	return out
}

// FormatError renders an error for multi-line logs. Context keys are sorted
// so the output is stable.
func FormatError(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}

	parts := []string{
		fmt.Sprintf("Code: %s", e.Code),
		fmt.Sprintf("Severity: %s", e.Severity()),
		fmt.Sprintf("Message: %s", e.Message),
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "Context:")
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, e.Context[k]))
		}
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	return strings.Join(parts, "\n")
}

// AsError converts any error to the coded form:
//   - InternalError types are transformed with Transform()
//   - *Error values are returned as-is
//   - anything else is wrapped under CommonInternal
//
// Typical use at a package boundary:
//
//	if err := bridge.Cleanup(ctx); err != nil {
//	    return errors.AsError(err).AddContext("language", name)
//	}
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	if ie, ok := err.(InternalError); ok {
		return ie.Transform()
	}

	if e, ok := err.(*Error); ok {
		return e
	}

	return New(CommonInternal, err.Error(), err)
}
