package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callerFunc adapts a function to Caller
type callerFunc func(ctx context.Context, language, function string, args []types.Value) (types.Value, error)

func (f callerFunc) Call(ctx context.Context, language, function string, args []types.Value) (types.Value, error) {
	return f(ctx, language, function, args)
}

// mathCaller answers "add" for language "go"
var mathCaller = callerFunc(func(_ context.Context, language, function string, args []types.Value) (types.Value, error) {
	if language != "go" {
		return types.Value{}, errors.New(errors.FFIInvalidState, "no bridge for language", nil)
	}
	switch function {
	case "add":
		a, err := args[0].AsInt32()
		if err != nil {
			return types.Value{}, err
		}
		b, err := args[1].AsInt32()
		if err != nil {
			return types.Value{}, err
		}
		return types.Int32(a + b), nil
	case "panic":
		panic("caller exploded")
	}
	return types.Value{}, errors.New(errors.FFINotFound, "function not registered", nil)
})

// loopback delivers straight into a handler
type loopback struct{ h Handler }

func (l loopback) Send(ctx context.Context, msg *Message, _ string, _ time.Duration) (*Message, error) {
	return l.h.HandleMessage(ctx, msg), nil
}

// silent never answers and reports the timeout the way transports do
type silent struct{}

func (silent) Send(ctx context.Context, _ *Message, endpoint string, timeout time.Duration) (*Message, error) {
	select {
	case <-time.After(timeout):
		return nil, errors.New(errors.FFITimeout, "no response", nil).AddContext("endpoint", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestBridge(caller Caller, transport Transport) *Bridge {
	return New(caller, transport, Options{Logger: zerolog.Nop()})
}

func addRequest(t *testing.T, a, b int32) *Message {
	t.Helper()
	payload, err := EncodeArgs([]types.Value{types.Int32(a), types.Int32(b)})
	require.NoError(t, err)
	return NewMessage(FunctionPath("add"), payload).
		Set(MetaLanguage, "go").
		Set(MetaRequestID, "req-42")
}

func TestHandleFunctionCall(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	resp := b.HandleMessage(context.Background(), addRequest(t, 2, 3))
	require.False(t, resp.IsError(), resp.String())
	assert.Equal(t, "false", resp.Get(MetaError))
	assert.Equal(t, "req-42", resp.Get(MetaRequestID))

	result, err := DecodeValue(resp.Payload)
	require.NoError(t, err)
	assert.True(t, types.Equal(types.Int32(5), result))
}

func TestHandleFunctionCallInOtherFormats(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	for _, format := range []string{FormatJSON, FormatCBOR, FormatYAML} {
		t.Run(format, func(t *testing.T) {
			req := addRequest(t, 40, 2)
			payload, err := b.Converters().Convert(FormatEnvelope, format, req.Payload)
			require.NoError(t, err)
			req.Payload = payload
			req.Set(MetaFormat, format)

			resp := b.HandleMessage(context.Background(), req)
			require.False(t, resp.IsError(), resp.String())
			assert.Equal(t, format, resp.Get(MetaFormat))

			back, err := b.Converters().Convert(format, FormatEnvelope, resp.Payload)
			require.NoError(t, err)
			result, err := DecodeValue(back)
			require.NoError(t, err)
			assert.True(t, types.Equal(types.Int32(42), result))
		})
	}
}

func TestHandleFunctionFailures(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	noLanguage := addRequest(t, 1, 1)
	delete(noLanguage.Metadata, MetaLanguage)

	unknownFormat := addRequest(t, 1, 1).Set(MetaFormat, "xml")

	garbage := addRequest(t, 1, 1)
	garbage.Payload = []byte{0xff}

	wrongLanguage := addRequest(t, 1, 1).Set(MetaLanguage, "cobol")

	missing := addRequest(t, 1, 1)
	missing.Path = FunctionPath("missing")

	for name, msg := range map[string]*Message{
		"no language":    noLanguage,
		"unknown format": unknownFormat,
		"garbage":        garbage,
		"wrong language": wrongLanguage,
		"missing":        missing,
	} {
		t.Run(name, func(t *testing.T) {
			resp := b.HandleMessage(context.Background(), msg)
			assert.True(t, resp.IsError())
			assert.Equal(t, CodeFunctionCallFailed, resp.Get(MetaErrorCode))
			assert.NotEmpty(t, resp.Get(MetaErrorMessage))
			assert.Empty(t, resp.Payload)
		})
	}
	assert.Equal(t, uint64(5), b.Stats().Errored)
}

func TestHandleRecoversPanics(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	req := addRequest(t, 1, 1)
	req.Path = FunctionPath("panic")

	var resp *Message
	require.NotPanics(t, func() { resp = b.HandleMessage(context.Background(), req) })
	assert.True(t, resp.IsError())
	assert.Equal(t, CodeFunctionCallFailed, resp.Get(MetaErrorCode))
	assert.Contains(t, resp.Get(MetaErrorMessage), "caller exploded")
}

func TestUnknownPathResponse(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	for _, path := range []string{"/foo", "", "/function/", "/function/a/b"} {
		resp := b.HandleMessage(context.Background(), NewMessage(path, nil))
		assert.True(t, resp.IsError(), path)
		assert.Equal(t, CodeUnknownPath, resp.Get(MetaErrorCode), path)
	}
}

func TestNilMessageGetsErrorResponse(t *testing.T) {
	b := newTestBridge(mathCaller, nil)

	var resp *Message
	require.NotPanics(t, func() { resp = b.HandleMessage(context.Background(), nil) })
	require.NotNil(t, resp)
	assert.True(t, resp.IsError())
	assert.Equal(t, CodeUnknownPath, resp.Get(MetaErrorCode))
	assert.Equal(t, uint64(1), b.Stats().Errored)
}

func TestSystemCommands(t *testing.T) {
	b := newTestBridge(mathCaller, nil)
	require.NoError(t, b.Routes().Add(RoutingRule{SourcePattern: "/function/", TargetEndpoint: "peer", Priority: 1}))
	require.NoError(t, b.Remote().Register(RemoteFunction{
		Name:      "mul",
		Language:  "go",
		Signature: types.SignatureOf(types.TagInt32, types.TagInt32, types.TagInt32),
	}))

	resp := b.HandleMessage(context.Background(), NewMessage(SystemPath("ping"), nil))
	require.False(t, resp.IsError(), resp.String())
	assert.Contains(t, string(resp.Payload), `"status":"ok"`)

	resp = b.HandleMessage(context.Background(), NewMessage(SystemPath("routes"), nil))
	require.False(t, resp.IsError())
	var rules []RoutingRule
	require.NoError(t, json.Unmarshal(resp.Payload, &rules))
	assert.Equal(t, b.Routes().Rules(), rules)

	resp = b.HandleMessage(context.Background(), NewMessage(SystemPath("functions"), nil))
	require.False(t, resp.IsError())
	assert.Contains(t, string(resp.Payload), `"name":"mul"`)

	resp = b.HandleMessage(context.Background(), NewMessage(SystemPath("reboot"), nil))
	assert.True(t, resp.IsError())
	assert.Equal(t, CodeUnknownSystemCommand, resp.Get(MetaErrorCode))

	require.NoError(t, b.RegisterSystemHandler("echo", func(_ context.Context, msg *Message) ([]byte, error) {
		return msg.Payload, nil
	}))
	assert.True(t, errors.HasCode(b.RegisterSystemHandler("echo", func(context.Context, *Message) ([]byte, error) {
		return nil, nil
	}), errors.FFIAlreadyExists))

	resp = b.HandleMessage(context.Background(), NewMessage(SystemPath("echo"), []byte("hello")))
	require.False(t, resp.IsError())
	assert.Equal(t, "hello", string(resp.Payload))
	assert.Equal(t, []string{"echo", "functions", "ping", "routes"}, b.SystemCommands())
}

func TestErrorMessageIsBounded(t *testing.T) {
	long := strings.Repeat("x", 4*maxErrorMessage)
	caller := callerFunc(func(context.Context, string, string, []types.Value) (types.Value, error) {
		return types.Value{}, errors.New(errors.FFIExecutionFailed, long, nil)
	})
	b := newTestBridge(caller, nil)

	resp := b.HandleMessage(context.Background(), addRequest(t, 1, 2))
	require.True(t, resp.IsError())
	assert.LessOrEqual(t, len(resp.Get(MetaErrorMessage)), maxErrorMessage)
}

func remoteAdd() RemoteFunction {
	return RemoteFunction{
		Name:      "add",
		Language:  "go",
		Signature: types.SignatureOf(types.TagInt32, types.TagInt32, types.TagInt32),
	}
}

func TestCallRemoteFunction(t *testing.T) {
	server := newTestBridge(mathCaller, nil)
	client := newTestBridge(nil, loopback{server})
	require.NoError(t, client.Remote().Register(remoteAdd()))
	require.NoError(t, client.Routes().Add(RoutingRule{SourcePattern: "/function/", TargetEndpoint: "server", Priority: 1}))

	result, err := client.CallRemoteFunction(context.Background(), "add", types.Int32(20), types.Int32(22))
	require.NoError(t, err)
	assert.True(t, types.Equal(types.Int32(42), result))

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.RemoteCalls)
	assert.Zero(t, stats.RemoteFailures)
	assert.Equal(t, uint64(1), server.Stats().Handled)
}

func TestCallRemoteFunctionFailures(t *testing.T) {
	server := newTestBridge(mathCaller, nil)
	client := newTestBridge(nil, loopback{server})
	ctx := context.Background()

	_, err := client.CallRemoteFunction(ctx, "add", types.Int32(1), types.Int32(2))
	assert.True(t, errors.HasCode(err, errors.FFINotFound), "unregistered function")

	require.NoError(t, client.Remote().Register(remoteAdd()))

	_, err = client.CallRemoteFunction(ctx, "add", types.Int32(1))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters), "arity is checked before sending")

	_, err = client.CallRemoteFunction(ctx, "add", types.Int32(1), types.Int32(2))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters), "no routing rule")

	require.NoError(t, client.Routes().Add(RoutingRule{SourcePattern: "/", TargetEndpoint: "server", Priority: 0}))
	require.NoError(t, client.Remote().Register(RemoteFunction{
		Name:      "missing",
		Language:  "go",
		Signature: types.SignatureOf(types.TagVoid),
	}))
	_, err = client.CallRemoteFunction(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.FFIExecutionFailed))
	assert.Equal(t, CodeFunctionCallFailed, errors.GetContext(err)["error_code"])

	offline := newTestBridge(nil, nil)
	require.NoError(t, offline.Remote().Register(remoteAdd()))
	_, err = offline.CallRemoteFunction(ctx, "add", types.Int32(1), types.Int32(2))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
}

func TestRemoteResultTypeIsChecked(t *testing.T) {
	server := newTestBridge(mathCaller, nil)
	client := newTestBridge(nil, loopback{server})
	require.NoError(t, client.Remote().Register(RemoteFunction{
		Name:      "add",
		Language:  "go",
		Signature: types.SignatureOf(types.TagInt64, types.TagInt32, types.TagInt32),
		Endpoint:  "server",
	}))

	_, err := client.CallRemoteFunction(context.Background(), "add", types.Int32(1), types.Int32(2))
	assert.True(t, errors.HasCode(err, errors.FFITypeMismatch))
}

func TestRemoteTimeout(t *testing.T) {
	client := newTestBridge(nil, silent{})
	fn := remoteAdd()
	fn.Endpoint = "nowhere"
	require.NoError(t, client.Remote().Register(fn))

	start := time.Now()
	_, err := client.CallRemoteFunctionTimeout(context.Background(), "add", 50*time.Millisecond, types.Int32(1), types.Int32(2))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.FFITimeout))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.RemoteCalls, "timeouts are not retried")
	assert.Equal(t, uint64(1), stats.Timeouts)
}

func TestRemoteContextDeadlineIsTimeout(t *testing.T) {
	client := newTestBridge(nil, silent{})
	fn := remoteAdd()
	fn.Endpoint = "nowhere"
	require.NoError(t, client.Remote().Register(fn))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.CallRemoteFunctionTimeout(ctx, "add", time.Minute, types.Int32(1), types.Int32(2))
	assert.True(t, errors.HasCode(err, errors.FFITimeout))
}
