package config

import "github.com/gear6io/polycall/pkg/errors"

// Config-specific error codes
var (
	ErrConfigFileReadFailed    = errors.MustNewCode("config.file_read_failed")
	ErrConfigFileParseFailed   = errors.MustNewCode("config.file_parse_failed")
	ErrConfigValidationFailed  = errors.MustNewCode("config.validation_failed")
	ErrConfigFileMarshalFailed = errors.MustNewCode("config.file_marshal_failed")
	ErrConfigFileWriteFailed   = errors.MustNewCode("config.file_write_failed")
	ErrCoreValidationFailed    = errors.MustNewCode("config.core_validation_failed")
	ErrProtocolInvalid         = errors.MustNewCode("config.protocol_invalid")
	ErrRouteInvalid            = errors.MustNewCode("config.route_invalid")
	ErrRemoteFunctionInvalid   = errors.MustNewCode("config.remote_function_invalid")
	ErrWasmModuleInvalid       = errors.MustNewCode("config.wasm_module_invalid")
	ErrStoreNotConfigured      = errors.MustNewCode("config.store_not_configured")

	// Logging-specific error codes
	ErrLogDirectoryCreationFailed = errors.MustNewCode("config.log_directory_creation_failed")
	ErrLogFileOpenFailed          = errors.MustNewCode("config.log_file_open_failed")
	ErrLogFileClosed              = errors.MustNewCode("config.log_file_closed")
	ErrLogRotationFailed          = errors.MustNewCode("config.log_rotation_failed")
	ErrLogBackupRemoveFailed      = errors.MustNewCode("config.log_backup_remove_failed")
)
