package loader

import "github.com/gear6io/polycall/pkg/errors"

// Loader-specific error codes
var (
	ErrComponentInitFailed = errors.MustNewCode("loader.component_init_failed")
	ErrModuleReadFailed    = errors.MustNewCode("loader.module_read_failed")
	ErrStoreDirFailed      = errors.MustNewCode("loader.store_dir_failed")
	ErrShutdownFailed      = errors.MustNewCode("loader.shutdown_failed")
)
