// Package sdk calls functions on a polycall server without running a local
// dispatcher. Calls travel as /function/{name} messages over gRPC.
package sdk

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/protocols/bridge"
	grpctransport "github.com/gear6io/polycall/server/protocols/transport/grpc"
)

// Client is safe for concurrent use
type Client struct {
	opt        *Options
	transport  *grpctransport.Client
	converters *bridge.ConverterRegistry
	next       atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(opt *Options) (*Client, error) {
	if opt == nil {
		opt = &Options{}
	}
	o := opt.SetDefaults()
	if o.CallTimeout < 0 {
		return nil, errors.New("call timeout cannot be negative")
	}

	return &Client{
		opt: o,
		transport: grpctransport.NewClient(grpctransport.ClientOptions{
			Logger:      zerolog.Nop(),
			DialOptions: o.DialOptions,
			// a dead address moves on to the next one immediately
			FailFast: true,
		}),
		converters: bridge.NewDefaultConverters(),
	}, nil
}

// Open creates a client and checks that a server answers
func Open(ctx context.Context, opt *Options) (*Client, error) {
	c, err := NewClient(opt)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// GenerateRequestID returns a fresh request id
func GenerateRequestID() string {
	return uuid.New().String()
}

// Call invokes function in language on the server and returns its result
func (c *Client) Call(ctx context.Context, language, function string, args ...types.Value) (types.Value, error) {
	if language == "" || function == "" {
		return types.Value{}, errors.New("language and function are required")
	}
	payload, err := bridge.EncodeArgs(args)
	if err != nil {
		return types.Value{}, errors.Wrap(err, "encode arguments")
	}

	msg := bridge.NewMessage(bridge.FunctionPath(function), payload).
		Set(bridge.MetaLanguage, language).
		Set(bridge.MetaFormat, bridge.FormatEnvelope)

	resp, err := c.send(ctx, msg, function)
	if err != nil {
		return types.Value{}, err
	}

	data := resp.Payload
	if format := resp.Get(bridge.MetaFormat); format != "" && format != bridge.FormatEnvelope {
		if data, err = c.converters.Convert(format, bridge.FormatEnvelope, data); err != nil {
			return types.Value{}, errors.Wrapf(err, "convert %s result", format)
		}
	}
	result, err := bridge.DecodeValue(data)
	if err != nil {
		return types.Value{}, errors.Wrap(err, "decode result")
	}
	return result, nil
}

// System runs /system/{command} and returns the JSON reply
func (c *Client) System(ctx context.Context, command string) ([]byte, error) {
	resp, err := c.send(ctx, bridge.NewMessage(bridge.SystemPath(command), nil), command)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Ping checks that a server answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.System(ctx, "ping")
	return err
}

// send delivers msg to the first address picked by the strategy and fails
// over to the others when the exchange itself fails. Error responses are
// not retried anywhere else.
func (c *Client) send(ctx context.Context, msg *bridge.Message, name string) (*bridge.Message, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	requestID := GenerateRequestID()
	msg.Set(bridge.MetaRequestID, requestID)

	addrs := c.opt.Addr
	start := c.startIndex(len(addrs))
	logger := c.opt.Logger.With(zap.String("path", msg.Path), zap.String("request_id", requestID))

	var lastErr error
	for i := range addrs {
		addr := addrs[(start+i)%len(addrs)]
		resp, err := c.transport.Send(ctx, msg, addr, c.opt.CallTimeout)
		if err != nil {
			logger.Debug("Send failed", zap.String("addr", addr), zap.Error(err))
			lastErr = errors.Wrapf(err, "send to %s", addr)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if resp.IsError() {
			return nil, &RemoteError{
				Function:  name,
				Code:      resp.Get(bridge.MetaErrorCode),
				Message:   resp.Get(bridge.MetaErrorMessage),
				RequestID: requestID,
			}
		}
		logger.Debug("Call answered", zap.String("addr", addr))
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) startIndex(n int) int {
	switch c.opt.ConnOpenStrategy {
	case ConnOpenRoundRobin:
		return int((c.next.Add(1) - 1) % uint64(n))
	case ConnOpenRandom:
		return rand.Intn(n)
	default:
		return 0
	}
}

// Close closes every connection. Calls made afterwards return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		return errors.Wrap(err, "close connections")
	}
	c.opt.Logger.Debug("Client closed")
	return nil
}
