package grpc

import "github.com/gear6io/polycall/pkg/errors"

var (
	ErrListenFailed = errors.MustNewCode("grpc.listen_failed")
	ErrDialFailed   = errors.MustNewCode("grpc.dial_failed")
)
