package bridge

import (
	"context"
	"time"
)

// Transport delivers a message to an endpoint and waits for the response.
// An error means the exchange itself failed: Timeout when the deadline
// passed, NotFound or ExecutionFailed when the peer could not be reached.
// Application failures come back as a response carrying error=true.
type Transport interface {
	Send(ctx context.Context, msg *Message, endpoint string, timeout time.Duration) (*Message, error)
}

// Handler answers inbound messages. It must always return a response.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) *Message
}

type HandlerFunc func(ctx context.Context, msg *Message) *Message

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) *Message {
	return f(ctx, msg)
}
