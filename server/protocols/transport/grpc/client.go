package grpc

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type ClientOptions struct {
	Logger zerolog.Logger
	// DialOptions replace the default insecure transport credentials when
	// set
	DialOptions []grpc.DialOption
	// FailFast returns Unavailable as soon as an endpoint cannot be
	// reached. By default a call waits for the connection until its
	// deadline and an unreachable endpoint surfaces as a timeout.
	FailFast bool
}

// Client is a bridge.Transport. Endpoints are gRPC targets; one connection
// is kept per endpoint and reused by every call.
type Client struct {
	dialOpts []grpc.DialOption
	callOpts []grpc.CallOption
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

var _ bridge.Transport = (*Client)(nil)

func NewClient(opts ClientOptions) *Client {
	dialOpts := opts.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	callOpts := []grpc.CallOption{grpc.ForceCodec(messageCodec{})}
	if !opts.FailFast {
		callOpts = append(callOpts, grpc.WaitForReady(true))
	}
	return &Client{
		dialOpts: dialOpts,
		callOpts: callOpts,
		logger:   opts.Logger.With().Str("component", "grpc-client").Logger(),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New(errors.FFIInvalidState, "transport closed", nil)
	}
	if cc, ok := c.conns[endpoint]; ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(endpoint, c.dialOpts...)
	if err != nil {
		return nil, errors.New(ErrDialFailed, "failed to create connection", err).
			AddContext("endpoint", endpoint)
	}
	c.conns[endpoint] = cc
	c.logger.Debug().Str("endpoint", endpoint).Msg("Connection created")
	return cc, nil
}

// Send invokes polycall.Bridge/Invoke on endpoint. The timeout becomes the
// call deadline and travels to the server with the request.
func (c *Client) Send(ctx context.Context, msg *bridge.Message, endpoint string, timeout time.Duration) (*bridge.Message, error) {
	cc, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp := new(bridge.Message)
	if err := cc.Invoke(ctx, InvokeMethod, msg, resp, c.callOpts...); err != nil {
		return nil, callFailure(err, endpoint, timeout)
	}
	return resp, nil
}

func callFailure(err error, endpoint string, timeout time.Duration) error {
	var e *errors.Error
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		e = errors.New(errors.FFITimeout, "no response before deadline", err).
			AddContext("timeout", timeout.String())
	case codes.Canceled:
		e = errors.New(errors.FFIExecutionFailed, "call cancelled", err)
	case codes.Unavailable:
		e = errors.New(errors.FFIExecutionFailed, "endpoint unavailable", err)
	default:
		if stderrors.Is(err, context.DeadlineExceeded) {
			e = errors.New(errors.FFITimeout, "no response before deadline", err).
				AddContext("timeout", timeout.String())
		} else {
			e = errors.New(errors.FFIExecutionFailed, "call failed", err)
		}
	}
	return e.AddContext("endpoint", endpoint)
}

// Endpoints lists endpoints with an open connection
func (c *Client) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.conns))
	for e := range c.conns {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Close closes every connection. Later sends fail with InvalidState.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for endpoint, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, errors.New(errors.CommonInternal, "failed to close connection", err).
				AddContext("endpoint", endpoint))
		}
	}
	return stderrors.Join(errs...)
}
