package store

import "github.com/gear6io/polycall/pkg/errors"

var (
	ErrOpenFailed      = errors.MustNewCode("store.open_failed")
	ErrMigrationFailed = errors.MustNewCode("store.migration_failed")
	ErrQueryFailed     = errors.MustNewCode("store.query_failed")
	ErrCorruptRecord   = errors.MustNewCode("store.corrupt_record")
)
