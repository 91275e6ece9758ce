package breaker

import "github.com/gear6io/polycall/pkg/errors"

var (
	ErrCircuitOpen = errors.MustNewCode("breaker.circuit_open")
)
