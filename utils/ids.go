package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyLock sync.Mutex
	entropy     = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a ULID that sorts after every ULID previously returned by
// this process within the same millisecond.
func NewULID() ulid.ULID {
	return NewULIDAt(time.Now())
}

// NewULIDAt generates a ULID carrying the timestamp t
func NewULIDAt(t time.Time) ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// NewULIDString is NewULID().String()
func NewULIDString() string {
	return NewULID().String()
}

// ParseULID parses a ULID string
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}

// NewContextID names a dispatcher core context
func NewContextID() string {
	return "ctx_" + NewULIDString()
}

// NewRequestID correlates an outbound remote call with its response
func NewRequestID() string {
	return uuid.NewString()
}
