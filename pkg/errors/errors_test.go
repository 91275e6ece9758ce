package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCode = MustNewCode("test.code")

func TestNew(t *testing.T) {
	err := New(CommonInternal, "test failure", nil)

	assert.Equal(t, "test failure", err.Message)
	assert.Equal(t, "common.internal", err.Code.String())
	assert.False(t, err.Timestamp.IsZero(), "timestamp should be set")
	assert.NotEmpty(t, err.Stack, "stack trace should be captured")
	assert.Nil(t, err.Cause)
}

func TestNewfAndWrapf(t *testing.T) {
	err := Newf(testCode, "bridge %s missing", "python")
	assert.Equal(t, "bridge python missing", err.Message)

	cause := stderrors.New("boom")
	wrapped := Wrapf(testCode, cause, "call %d failed", 3)
	assert.Equal(t, "call 3 failed", wrapped.Message)
	assert.Same(t, cause, wrapped.Cause)
}

func TestErrorStringAndUnwrap(t *testing.T) {
	err := New(testCode, "plain", nil)
	assert.Equal(t, "plain", err.Error())

	cause := stderrors.New("original")
	err = Wrap(testCode, cause, "wrapped")
	assert.Equal(t, "wrapped: original", err.Error())
	assert.True(t, stderrors.Is(err, cause))
}

func TestAddContextChains(t *testing.T) {
	err := New(FFINotFound, "function not found", nil).
		AddContext("language", "wasm").
		AddContext("function", "add")

	assert.Equal(t, "wasm", err.Context["language"])
	assert.Equal(t, "add", err.Context["function"])
}

func TestWithCause(t *testing.T) {
	cause := stderrors.New("original")
	err := New(testCode, "outer", nil).WithCause(cause)
	assert.Same(t, cause, err.Cause)
}

func TestGetCodeAndHasCode(t *testing.T) {
	inner := New(FFITimeout, "deadline", nil)
	outer := New(FFIExecutionFailed, "remote call failed", inner)
	foreign := fmt.Errorf("context: %w", outer)

	assert.Equal(t, "ffi.execution_failed", GetCode(outer))
	assert.Equal(t, "ffi.execution_failed", GetCode(foreign))
	assert.Equal(t, "", GetCode(stderrors.New("plain")))

	assert.True(t, HasCode(foreign, FFITimeout))
	assert.True(t, HasCode(outer, FFIExecutionFailed))
	assert.False(t, HasCode(outer, FFINotFound))
	assert.False(t, HasCode(nil, FFINotFound))
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, SeverityWarning, SeverityOf(FFIAlreadyExists))
	assert.Equal(t, SeverityFatal, SeverityOf(FFIOutOfMemory))
	assert.Equal(t, SeverityError, SeverityOf(FFINotFound))
	assert.Equal(t, SeverityError, SeverityOf(Code{}))

	assert.True(t, IsWarning(New(FFIAlreadyExists, "dup", nil)))
	assert.False(t, IsWarning(New(FFICapacityExceeded, "full", nil)))
	assert.False(t, IsWarning(stderrors.New("plain")))

	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "unknown", Severity(42).String())
}

func TestWithAdditional(t *testing.T) {
	original := New(FFINotFound, "function not found", nil).AddContext("function", "f")

	first := WithAdditional(original, "while handling %s", "/function/f")
	second := WithAdditional(first, "attempt %d", 2)

	assert.Equal(t, original.Code, second.Code)
	assert.Equal(t, original.Message, second.Message)
	assert.Equal(t, "f", second.Context["function"])
	assert.Equal(t, "while handling /function/f", second.Context["additional_0"])
	assert.Equal(t, "attempt 2", second.Context["additional_1"])
	assert.True(t, original.Timestamp.Equal(second.Timestamp))

	// original is not mutated
	_, touched := original.Context["additional_0"]
	assert.False(t, touched)

	plain := stderrors.New("plain")
	wrapped := WithAdditional(plain, "note")
	assert.Same(t, plain, wrapped.Cause)
	assert.Equal(t, "note", wrapped.Context["additional_0"])
}

func TestFormatError(t *testing.T) {
	err := Wrap(FFIExecutionFailed, stderrors.New("trap"), "wasm call failed").
		AddContext("language", "wasm").
		AddContext("function", "div")

	out := FormatError(err)
	require.Contains(t, out, "Code: ffi.execution_failed")
	require.Contains(t, out, "Severity: error")
	require.Contains(t, out, "Cause: trap")
	assert.Less(t, strings.Index(out, "function: div"), strings.Index(out, "language: wasm"))

	assert.Equal(t, "plain", FormatError(stderrors.New("plain")))
}

type transformable struct {
	message string
}

func (m *transformable) Error() string {
	return m.message
}

func (m *transformable) Transform() *Error {
	return New(FFIConversionFailed, m.message, nil).AddContext("transformed", "true")
}

func TestAsError(t *testing.T) {
	testCases := []struct {
		name     string
		input    error
		code     string
		expected string
	}{
		{"InternalError", &transformable{message: "bad envelope"}, "ffi.conversion_failed", "bad envelope"},
		{"ExistingError", New(FFITimeout, "deadline", nil), "ffi.timeout", "deadline"},
		{"StandardError", stderrors.New("standard"), "common.internal", "standard"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := AsError(tc.input)
			require.NotNil(t, got)
			assert.Equal(t, tc.code, got.Code.String())
			assert.Equal(t, tc.expected, got.Message)
		})
	}

	assert.Nil(t, AsError(nil))
}

func TestForeignErrorTextAppearsOnce(t *testing.T) {
	raw := stderrors.New("raw")
	err := AsError(raw)

	assert.Equal(t, "raw", err.Error())
	assert.True(t, stderrors.Is(err, raw))

	wrapped := New(FFIExecutionFailed, "call failed", err)
	assert.Equal(t, "call failed: raw", wrapped.Error())
}
