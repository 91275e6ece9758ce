package core

import "github.com/gear6io/polycall/pkg/errors"

// Dispatcher-specific error codes
var (
	ErrShutdownFailed = errors.MustNewCode("dispatcher.shutdown_failed")
)
