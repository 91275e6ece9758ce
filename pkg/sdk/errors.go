package sdk

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrClosed is returned by calls made after Close
var ErrClosed = errors.New("client is closed")

// RemoteError is a failure reported by the server in its response. The
// call reached the server; the function itself failed or could not run.
type RemoteError struct {
	Function  string
	Code      string
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Function, e.Message, e.Code)
}

// IsRemote reports whether err carries a RemoteError
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
