package errors

import (
	"testing"
)

func TestNewCode(t *testing.T) {
	validCodes := []string{
		"ffi.not_found",
		"registry.capacity_exceeded",
		"protocol.unknown_path",
		"transport.timeout",
		"wasm.trap",
	}

	for _, codeStr := range validCodes {
		code, err := NewCode(codeStr)
		if err != nil {
			t.Errorf("Expected valid code '%s' to succeed, got error: %v", codeStr, err)
		}
		if code.String() != codeStr {
			t.Errorf("Expected code string '%s', got '%s'", codeStr, code.String())
		}
	}

	invalidCodes := []string{
		"invalid",             // No dot
		"ffi.",                // Ends with dot
		".not_found",          // Starts with dot
		"FFI.not_found",       // Uppercase
		"ffi.not-found",       // Hyphens not allowed
		"ffi..not_found",      // Double dot
		"error.not_found",     // Contains "error"
		"ffi.interrupted",     // Contains "err"
		"ffi.not_found.again", // Three segments
	}

	for _, codeStr := range invalidCodes {
		_, err := NewCode(codeStr)
		if err == nil {
			t.Errorf("Expected invalid code '%s' to fail, but it succeeded", codeStr)
		}
	}
}

func TestMustNewCode(t *testing.T) {
	code := MustNewCode("ffi.not_found")
	if code.String() != "ffi.not_found" {
		t.Errorf("Expected code 'ffi.not_found', got '%s'", code.String())
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected MustNewCode to panic with invalid code")
		}
	}()
	MustNewCode("invalid")
}

func TestCodePackageAndName(t *testing.T) {
	code := MustNewCode("protocol.unknown_path")

	if code.Package() != "protocol" {
		t.Errorf("Expected package 'protocol', got '%s'", code.Package())
	}

	if code.Name() != "unknown_path" {
		t.Errorf("Expected name 'unknown_path', got '%s'", code.Name())
	}
}

func TestCodeIsValidAndZero(t *testing.T) {
	if !FFITimeout.IsValid() {
		t.Error("Expected valid code to return true for IsValid()")
	}

	invalidCode := Code{value: "invalid"}
	if invalidCode.IsValid() {
		t.Error("Expected invalid code to return false for IsValid()")
	}

	var zero Code
	if !zero.IsZero() {
		t.Error("Expected zero Code to report IsZero")
	}
	if FFITimeout.IsZero() {
		t.Error("Expected FFITimeout not to be zero")
	}
}

func TestCodeEquals(t *testing.T) {
	code1 := MustNewCode("ffi.not_found")
	code2 := MustNewCode("ffi.not_found")

	if !code1.Equals(code2) {
		t.Error("Expected identical codes to be equal")
	}

	if code1.Equals(FFITimeout) {
		t.Error("Expected different codes to not be equal")
	}
}

func TestPackageCode(t *testing.T) {
	customCode := PackageCode("custom_package", "specific_failure")
	if customCode.String() != "custom_package.specific_failure" {
		t.Errorf("Expected 'custom_package.specific_failure', got '%s'", customCode.String())
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected PackageCode to panic with invalid format")
		}
	}()
	PackageCode("InvalidPackage", "name")
}

func TestTaxonomyCodes(t *testing.T) {
	codes := []Code{
		FFIInvalidParameters,
		FFIOutOfMemory,
		FFIAlreadyExists,
		FFICapacityExceeded,
		FFITypeMismatch,
		FFIConversionFailed,
		FFIExecutionFailed,
		FFIUnsupportedOperation,
		FFIInvalidState,
		FFINotFound,
		FFITimeout,
		FFIInitializationFailed,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		if !code.IsValid() {
			t.Errorf("Taxonomy code '%s' is not valid", code)
		}
		if code.Package() != "ffi" {
			t.Errorf("Expected package 'ffi' for '%s', got '%s'", code, code.Package())
		}
		if seen[code.String()] {
			t.Errorf("Duplicate taxonomy code '%s'", code)
		}
		seen[code.String()] = true
	}
}
