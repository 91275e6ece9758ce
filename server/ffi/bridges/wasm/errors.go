package wasm

import "github.com/gear6io/polycall/pkg/errors"

var (
	ErrModuleInvalid = errors.MustNewCode("wasm.module_invalid")
)
