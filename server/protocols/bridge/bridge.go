package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	ffibridge "github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/utils"
	"github.com/rs/zerolog"
)

// ComponentType identifies the protocol bridge in logs
const ComponentType = "protocol_bridge"

const (
	DefaultTimeout = 5 * time.Second

	maxErrorMessage = 512
)

// Caller is the local dispatch the bridge forwards /function/ paths to
type Caller interface {
	Call(ctx context.Context, language, function string, args []types.Value) (types.Value, error)
}

// SystemHandler answers /system/{command}. The returned bytes become the
// response payload.
type SystemHandler func(ctx context.Context, msg *Message) ([]byte, error)

type Options struct {
	// Timeout applies to outbound calls made without an explicit one
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Stats are counters since the bridge was created
type Stats struct {
	Handled        uint64 `json:"handled"`
	Errored        uint64 `json:"errored"`
	RemoteCalls    uint64 `json:"remote_calls"`
	RemoteFailures uint64 `json:"remote_failures"`
	Timeouts       uint64 `json:"timeouts"`
}

// Bridge extends local dispatch across a transport. Inbound messages are
// routed by path and answered through the Caller; outbound calls go to the
// peer named by the remote registration or the routing table.
type Bridge struct {
	caller     Caller
	transport  Transport
	routes     *RoutingTable
	converters *ConverterRegistry
	remote     *RemoteRegistry
	timeout    time.Duration
	logger     zerolog.Logger

	sysMu  sync.RWMutex
	system map[string]SystemHandler

	handled        atomic.Uint64
	errored        atomic.Uint64
	remoteCalls    atomic.Uint64
	remoteFailures atomic.Uint64
	timeouts       atomic.Uint64
}

var _ Handler = (*Bridge)(nil)

// New creates a protocol bridge. caller may be nil for a bridge that only
// makes outbound calls; transport may be nil for one that only answers.
func New(caller Caller, transport Transport, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	b := &Bridge{
		caller:     caller,
		transport:  transport,
		routes:     NewRoutingTable(),
		converters: NewDefaultConverters(),
		remote:     NewRemoteRegistry(),
		timeout:    opts.Timeout,
		logger:     opts.Logger.With().Str("component", ComponentType).Logger(),
		system:     make(map[string]SystemHandler),
	}
	b.system["ping"] = b.ping
	b.system["functions"] = b.listFunctions
	b.system["routes"] = b.listRoutes
	return b
}

func (b *Bridge) GetType() string { return ComponentType }

func (b *Bridge) Routes() *RoutingTable { return b.routes }

func (b *Bridge) Converters() *ConverterRegistry { return b.converters }

func (b *Bridge) Remote() *RemoteRegistry { return b.remote }

// SetTransport replaces the outbound transport
func (b *Bridge) SetTransport(t Transport) {
	b.sysMu.Lock()
	b.transport = t
	b.sysMu.Unlock()
}

func (b *Bridge) currentTransport() Transport {
	b.sysMu.RLock()
	defer b.sysMu.RUnlock()
	return b.transport
}

// RegisterSystemHandler installs the handler for /system/{cmd}
func (b *Bridge) RegisterSystemHandler(cmd string, h SystemHandler) error {
	if cmd == "" || h == nil || strings.Contains(cmd, "/") {
		return errors.New(errors.FFIInvalidParameters, "system command requires a name and a handler", nil)
	}

	b.sysMu.Lock()
	defer b.sysMu.Unlock()

	if _, exists := b.system[cmd]; exists {
		return errors.New(errors.FFIAlreadyExists, "system command already registered", nil).
			AddContext("command", cmd)
	}
	b.system[cmd] = h
	return nil
}

// SystemCommands lists registered command names
func (b *Bridge) SystemCommands() []string {
	b.sysMu.RLock()
	defer b.sysMu.RUnlock()

	out := make([]string, 0, len(b.system))
	for cmd := range b.system {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Handled:        b.handled.Load(),
		Errored:        b.errored.Load(),
		RemoteCalls:    b.remoteCalls.Load(),
		RemoteFailures: b.remoteFailures.Load(),
		Timeouts:       b.timeouts.Load(),
	}
}

// HandleMessage answers an inbound message. It always returns a response;
// failures are reported as error=true with an error_code, never as a Go
// error or a panic.
func (b *Bridge) HandleMessage(ctx context.Context, msg *Message) (resp *Message) {
	b.handled.Add(1)

	if msg == nil {
		resp = NewMessage("", nil)
		b.fail(resp, CodeUnknownPath, errors.New(errors.FFIInvalidParameters, "empty message", nil))
		return resp
	}

	resp = NewMessage(msg.Path, nil)
	if id := msg.Get(MetaRequestID); id != "" {
		resp.Set(MetaRequestID, id)
	}

	defer func() {
		if r := recover(); r != nil {
			resp.Payload = nil
			b.fail(resp, CodeFunctionCallFailed, errors.New(errors.FFIExecutionFailed,
				fmt.Sprintf("handler panic: %v", r), nil))
		}
	}()

	switch {
	case strings.HasPrefix(msg.Path, FunctionPrefix):
		name := strings.TrimPrefix(msg.Path, FunctionPrefix)
		if name == "" || strings.Contains(name, "/") {
			b.fail(resp, CodeUnknownPath, errors.New(errors.FFIInvalidParameters, "path does not name a function", nil))
			return resp
		}
		b.handleFunction(ctx, name, msg, resp)
	case strings.HasPrefix(msg.Path, SystemPrefix):
		b.handleSystem(ctx, strings.TrimPrefix(msg.Path, SystemPrefix), msg, resp)
	default:
		b.fail(resp, CodeUnknownPath, errors.New(errors.FFIInvalidParameters, "unknown path", nil).
			AddContext("path", msg.Path))
	}
	return resp
}

func (b *Bridge) handleFunction(ctx context.Context, name string, msg, resp *Message) {
	fail := func(err error) {
		b.fail(resp, CodeFunctionCallFailed, errors.AsError(err).AddContext("function", name))
	}

	if b.caller == nil {
		fail(errors.New(errors.FFIInvalidState, "bridge has no local dispatcher", nil))
		return
	}
	language := msg.Get(MetaLanguage)
	if language == "" {
		fail(errors.New(errors.FFIInvalidParameters, "message has no language", nil))
		return
	}

	format := msg.Get(MetaFormat)
	if format == "" {
		format = FormatEnvelope
	}
	payload, err := b.converters.Convert(format, FormatEnvelope, msg.Payload)
	if err != nil {
		fail(err)
		return
	}
	args, err := DecodeArgs(payload)
	if err != nil {
		fail(err)
		return
	}

	result, err := b.caller.Call(ctx, language, name, args)
	if err != nil {
		fail(err)
		return
	}

	out, err := EncodeValue(result)
	if err == nil {
		out, err = b.converters.Convert(FormatEnvelope, format, out)
	}
	if err != nil {
		fail(err)
		return
	}

	resp.Payload = out
	resp.Set(MetaLanguage, language)
	resp.Set(MetaFormat, format)
	resp.Set(MetaError, "false")
}

func (b *Bridge) handleSystem(ctx context.Context, cmd string, msg, resp *Message) {
	b.sysMu.RLock()
	h, ok := b.system[cmd]
	b.sysMu.RUnlock()

	if !ok {
		b.fail(resp, CodeUnknownSystemCommand, errors.New(errors.FFINotFound, "unknown system command", nil).
			AddContext("command", cmd))
		return
	}

	out, err := h(ctx, msg)
	if err != nil {
		b.fail(resp, CodeFunctionCallFailed, errors.AsError(err).AddContext("command", cmd))
		return
	}
	resp.Payload = out
	resp.Set(MetaFormat, FormatJSON)
	resp.Set(MetaError, "false")
}

func (b *Bridge) fail(resp *Message, code string, err error) {
	b.errored.Add(1)

	e := errors.AsError(err)
	resp.Set(MetaError, "true")
	resp.Set(MetaErrorCode, code)
	resp.Set(MetaErrorMessage, ffibridge.TruncateMessage(e.Error(), maxErrorMessage))

	b.logger.Debug().
		Str("path", resp.Path).
		Str("error_code", code).
		Str("code", e.Code.String()).
		Msg(e.Message)
}

// CallRemoteFunction invokes a remote registration with the default
// timeout
func (b *Bridge) CallRemoteFunction(ctx context.Context, name string, args ...types.Value) (types.Value, error) {
	return b.CallRemoteFunctionTimeout(ctx, name, b.timeout, args...)
}

// CallRemoteFunctionTimeout sends /function/{name} to the peer owning the
// function and waits at most timeout. A timeout is returned as is; there
// is no retry.
func (b *Bridge) CallRemoteFunctionTimeout(ctx context.Context, name string, timeout time.Duration, args ...types.Value) (types.Value, error) {
	fn, err := b.remote.Lookup(name)
	if err != nil {
		return types.Value{}, err
	}
	if err := fn.Signature.CheckArgs(args); err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", name)
	}

	transport := b.currentTransport()
	if transport == nil {
		return types.Value{}, errors.New(errors.FFIInvalidState, "protocol bridge has no transport", nil)
	}

	path := FunctionPath(name)
	endpoint := fn.Endpoint
	if endpoint == "" {
		rule, err := b.routes.Resolve(path)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("function", name)
		}
		endpoint = rule.TargetEndpoint
	}

	payload, err := EncodeArgs(args)
	if err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", name)
	}
	msg := NewMessage(path, payload)
	msg.Set(MetaLanguage, fn.Language)
	msg.Set(MetaFormat, FormatEnvelope)
	msg.Set(MetaRequestID, utils.NewRequestID())

	b.remoteCalls.Add(1)
	start := time.Now()
	resp, err := transport.Send(ctx, msg, endpoint, timeout)
	if err != nil {
		b.remoteFailures.Add(1)
		return types.Value{}, b.transportFailure(err, name, endpoint, timeout)
	}

	b.logger.Debug().
		Str("function", name).
		Str("endpoint", endpoint).
		Str("request_id", msg.Get(MetaRequestID)).
		Dur("elapsed", time.Since(start)).
		Msg("Remote call answered")

	if resp.IsError() {
		b.remoteFailures.Add(1)
		return types.Value{}, errors.New(errors.FFIExecutionFailed, "remote function failed", nil).
			AddContext("function", name).
			AddContext("endpoint", endpoint).
			AddContext("error_code", resp.Get(MetaErrorCode)).
			AddContext("remote_message", resp.Get(MetaErrorMessage))
	}

	data := resp.Payload
	if format := resp.Get(MetaFormat); format != "" && format != FormatEnvelope {
		if data, err = b.converters.Convert(format, FormatEnvelope, data); err != nil {
			return types.Value{}, errors.AsError(err).AddContext("function", name)
		}
	}
	result, err := DecodeValue(data)
	if err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", name)
	}
	if err := fn.Signature.CheckReturn(result); err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", name)
	}
	return result, nil
}

func (b *Bridge) transportFailure(err error, name, endpoint string, timeout time.Duration) error {
	var e *errors.Error
	switch {
	case errors.HasCode(err, errors.FFITimeout):
		e = errors.AsError(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		e = errors.New(errors.FFITimeout, "remote call timed out", err)
	case errors.IsPolycallError(err):
		e = errors.AsError(err)
	default:
		e = errors.New(errors.FFIExecutionFailed, "transport failed", err)
	}
	if errors.HasCode(e, errors.FFITimeout) {
		b.timeouts.Add(1)
		e.AddContext("timeout", timeout.String())
	}
	b.logger.Warn().
		Str("function", name).
		Str("endpoint", endpoint).
		Str("code", e.Code.String()).
		Msg("Remote call failed")
	return e.AddContext("function", name).AddContext("endpoint", endpoint)
}

type pingReply struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (b *Bridge) ping(context.Context, *Message) ([]byte, error) {
	return json.Marshal(pingReply{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339Nano)})
}

func (b *Bridge) listFunctions(context.Context, *Message) ([]byte, error) {
	return json.Marshal(b.remote.List())
}

func (b *Bridge) listRoutes(context.Context, *Message) ([]byte, error) {
	return json.Marshal(b.routes.Rules())
}
