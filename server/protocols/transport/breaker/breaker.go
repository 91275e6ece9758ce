// Package breaker guards a bridge.Transport with one circuit breaker per
// endpoint. After FailureThreshold consecutive transport failures the
// endpoint is rejected without a send until RecoveryTimeout has passed;
// the next call is then let through as a probe.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/rs/zerolog"
)

const ComponentType = "circuit_breaker"

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// State is the state of one endpoint's circuit
type State int

const (
	Closed   State = iota // calls flow
	Open                  // calls are rejected
	HalfOpen              // one probe is in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Logger           zerolog.Logger
	// now is replaced in tests
	now func() time.Time
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Transport wraps another transport. Only failures of the exchange itself
// count; a response carrying error=true is a healthy peer.
type Transport struct {
	next      bridge.Transport
	threshold int
	recovery  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

var _ bridge.Transport = (*Transport)(nil)

func New(next bridge.Transport, opts Options) *Transport {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Transport{
		next:      next,
		threshold: opts.FailureThreshold,
		recovery:  opts.RecoveryTimeout,
		now:       opts.now,
		logger:    opts.Logger.With().Str("component", ComponentType).Logger(),
		circuits:  make(map[string]*circuit),
	}
}

func (t *Transport) Send(ctx context.Context, msg *bridge.Message, endpoint string, timeout time.Duration) (*bridge.Message, error) {
	if err := t.admit(endpoint); err != nil {
		return nil, err
	}

	resp, err := t.next.Send(ctx, msg, endpoint, timeout)
	t.record(endpoint, err)
	return resp, err
}

// admit rejects calls to an open circuit and moves it to half-open once the
// recovery timeout has passed
func (t *Transport) admit(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.circuits[endpoint]
	if !ok {
		return nil
	}

	switch c.state {
	case Open:
		if t.now().Sub(c.openedAt) < t.recovery {
			return errors.New(ErrCircuitOpen, "circuit breaker is open - endpoint temporarily unavailable", nil).
				AddContext("endpoint", endpoint)
		}
		c.state = HalfOpen
		t.logger.Info().Str("endpoint", endpoint).Msg("Circuit breaker half-open - testing recovery")
		return nil
	case HalfOpen:
		return errors.New(ErrCircuitOpen, "circuit breaker is probing - endpoint temporarily unavailable", nil).
			AddContext("endpoint", endpoint)
	default:
		return nil
	}
}

func (t *Transport) record(endpoint string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.circuits[endpoint]
	if err == nil {
		if ok {
			if c.state != Closed {
				t.logger.Info().Str("endpoint", endpoint).Msg("Circuit breaker closed")
			}
			delete(t.circuits, endpoint)
		}
		return
	}

	if !ok {
		c = &circuit{}
		t.circuits[endpoint] = c
	}
	c.failures++

	if c.state == HalfOpen || c.failures >= t.threshold {
		c.state = Open
		c.openedAt = t.now()
		t.logger.Warn().
			Str("endpoint", endpoint).
			Int("failures", c.failures).
			Dur("recovery_timeout", t.recovery).
			Msg("Circuit breaker opened")
	}
}

// State reports the circuit of endpoint
func (t *Transport) State(endpoint string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.circuits[endpoint]; ok {
		return c.state
	}
	return Closed
}

// Reset closes every circuit
func (t *Transport) Reset() {
	t.mu.Lock()
	t.circuits = make(map[string]*circuit)
	t.mu.Unlock()
}

func (t *Transport) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	endpoints := make([]string, 0, len(t.circuits))
	for e := range t.circuits {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)

	states := make(map[string]string, len(endpoints))
	for _, e := range endpoints {
		states[e] = t.circuits[e].state.String()
	}
	return map[string]interface{}{
		"failure_threshold": t.threshold,
		"recovery_timeout":  t.recovery.String(),
		"circuits":          states,
	}
}
