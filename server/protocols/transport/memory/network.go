// Package memory is an in-process transport. Endpoints are names bound to
// handlers on a shared Network, which makes it the transport of choice for
// tests and for peers living in the same process.
package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/rs/zerolog"
)

const ComponentType = "memory_transport"

// Network maps endpoint names to handlers
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*binding
	logger    zerolog.Logger
}

// binding is a bound handler. ctx ends when the endpoint is closed.
type binding struct {
	h    bridge.Handler
	ctx  context.Context
	stop context.CancelFunc
}

var _ bridge.Transport = (*Network)(nil)

func NewNetwork(logger zerolog.Logger) *Network {
	return &Network{
		endpoints: make(map[string]*binding),
		logger:    logger.With().Str("component", ComponentType).Logger(),
	}
}

// Listen binds endpoint to h
func (n *Network) Listen(endpoint string, h bridge.Handler) error {
	if endpoint == "" || h == nil {
		return errors.New(errors.FFIInvalidParameters, "endpoint requires a name and a handler", nil)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[endpoint]; exists {
		return errors.New(errors.FFIAlreadyExists, "endpoint already bound", nil).
			AddContext("endpoint", endpoint)
	}
	ctx, stop := context.WithCancel(context.Background())
	n.endpoints[endpoint] = &binding{h: h, ctx: ctx, stop: stop}
	n.logger.Debug().Str("endpoint", endpoint).Msg("Endpoint bound")
	return nil
}

func (n *Network) Close(endpoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	b, ok := n.endpoints[endpoint]
	if !ok {
		return errors.New(errors.FFINotFound, "endpoint not bound", nil).
			AddContext("endpoint", endpoint)
	}
	delete(n.endpoints, endpoint)
	b.stop()
	return nil
}

func (n *Network) Endpoints() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.endpoints))
	for e := range n.endpoints {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Send hands a copy of msg to the endpoint's handler and waits for the
// response until timeout or ctx expires. Giving up does not reach the
// handler: its context keeps ctx's values but ends only when the endpoint
// is closed, so a call that timed out may still complete on the peer.
func (n *Network) Send(ctx context.Context, msg *bridge.Message, endpoint string, timeout time.Duration) (*bridge.Message, error) {
	n.mu.RLock()
	b, ok := n.endpoints[endpoint]
	n.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.FFINotFound, "endpoint not bound", nil).
			AddContext("endpoint", endpoint)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hctx, hcancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(b.ctx, hcancel)

	done := make(chan *bridge.Message, 1)
	go func() {
		defer hcancel()
		defer unlink()
		defer func() {
			if r := recover(); r != nil {
				resp := bridge.NewMessage(msg.Path, nil).
					Set(bridge.MetaError, "true").
					Set(bridge.MetaErrorCode, bridge.CodeFunctionCallFailed).
					Set(bridge.MetaErrorMessage, fmt.Sprintf("handler panic: %v", r))
				done <- resp
			}
		}()
		done <- b.h.HandleMessage(hctx, msg.Clone())
	}()

	select {
	case resp := <-done:
		if resp == nil {
			return nil, errors.New(errors.FFIExecutionFailed, "handler returned no response", nil).
				AddContext("endpoint", endpoint)
		}
		return resp, nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.New(errors.FFITimeout, "no response before deadline", ctx.Err()).
				AddContext("endpoint", endpoint).
				AddContext("timeout", timeout.String())
		}
		return nil, errors.New(errors.FFIExecutionFailed, "send cancelled", ctx.Err()).
			AddContext("endpoint", endpoint)
	}
}

// Blackhole accepts every message and never answers. It returns when its
// context ends: over gRPC when the caller gives up, on a Network when the
// endpoint is closed.
var Blackhole bridge.Handler = bridge.HandlerFunc(func(ctx context.Context, msg *bridge.Message) *bridge.Message {
	<-ctx.Done()
	return nil
})
