package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/gear6io/polycall/server/protocols/transport/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var pong = bridge.HandlerFunc(func(_ context.Context, msg *bridge.Message) *bridge.Message {
	return bridge.NewMessage(msg.Path, []byte("pong"))
})

func newBreaker(t *testing.T) (*Transport, *memory.Network, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	net := memory.NewNetwork(zerolog.Nop())
	b := New(net, Options{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		Logger:           zerolog.Nop(),
		now:              clock.Now,
	})
	return b, net, clock
}

func send(b *Transport, endpoint string) (*bridge.Message, error) {
	return b.Send(context.Background(), bridge.NewMessage("/function/ping", nil), endpoint, time.Second)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _, _ := newBreaker(t)

	for i := 0; i < 3; i++ {
		_, err := send(b, "peer")
		assert.True(t, errors.HasCode(err, errors.FFINotFound), "failure %d comes from the transport", i)
	}
	assert.Equal(t, Open, b.State("peer"))

	_, err := send(b, "peer")
	assert.True(t, errors.HasCode(err, ErrCircuitOpen))
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b, net, clock := newBreaker(t)
	for i := 0; i < 3; i++ {
		_, _ = send(b, "peer")
	}
	require.Equal(t, Open, b.State("peer"))
	require.NoError(t, net.Listen("peer", pong))

	clock.Advance(30 * time.Second)
	_, err := send(b, "peer")
	assert.True(t, errors.HasCode(err, ErrCircuitOpen), "still inside the recovery timeout")

	clock.Advance(31 * time.Second)
	resp, err := send(b, "peer")
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Payload))
	assert.Equal(t, Closed, b.State("peer"))
}

func TestFailedProbeReopens(t *testing.T) {
	b, _, clock := newBreaker(t)
	for i := 0; i < 3; i++ {
		_, _ = send(b, "peer")
	}

	clock.Advance(2 * time.Minute)
	_, err := send(b, "peer")
	assert.True(t, errors.HasCode(err, errors.FFINotFound))
	assert.Equal(t, Open, b.State("peer"))

	_, err = send(b, "peer")
	assert.True(t, errors.HasCode(err, ErrCircuitOpen))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, net, _ := newBreaker(t)

	_, _ = send(b, "peer")
	_, _ = send(b, "peer")
	require.NoError(t, net.Listen("peer", pong))
	_, err := send(b, "peer")
	require.NoError(t, err)
	require.NoError(t, net.Close("peer"))

	_, _ = send(b, "peer")
	_, _ = send(b, "peer")
	assert.Equal(t, Closed, b.State("peer"), "two failures after a success stay under the threshold")
}

func TestErrorResponsesKeepCircuitClosed(t *testing.T) {
	b, net, _ := newBreaker(t)
	require.NoError(t, net.Listen("peer", bridge.HandlerFunc(func(_ context.Context, msg *bridge.Message) *bridge.Message {
		return bridge.NewMessage(msg.Path, nil).Set(bridge.MetaError, "true")
	})))

	for i := 0; i < 5; i++ {
		resp, err := send(b, "peer")
		require.NoError(t, err)
		assert.True(t, resp.IsError())
	}
	assert.Equal(t, Closed, b.State("peer"))
}

func TestCircuitsArePerEndpoint(t *testing.T) {
	b, net, _ := newBreaker(t)
	require.NoError(t, net.Listen("healthy", pong))

	for i := 0; i < 3; i++ {
		_, _ = send(b, "down")
	}
	_, err := send(b, "healthy")
	assert.NoError(t, err)

	stats := b.GetStats()
	assert.Equal(t, map[string]string{"down": "open"}, stats["circuits"])

	b.Reset()
	assert.Equal(t, Closed, b.State("down"))
}

func TestOpenCircuitThroughProtocolBridge(t *testing.T) {
	b, _, _ := newBreaker(t)
	client := bridge.New(nil, b, bridge.Options{Logger: zerolog.Nop()})
	require.NoError(t, client.Routes().Add(bridge.RoutingRule{SourcePattern: "/", TargetEndpoint: "peer"}))
	require.NoError(t, client.Remote().Register(bridge.RemoteFunction{
		Name:      "ping",
		Language:  "go",
		Signature: types.NewSignature(types.Void),
	}))

	for i := 0; i < 3; i++ {
		_, _ = client.CallRemoteFunction(context.Background(), "ping")
	}
	_, err := client.CallRemoteFunction(context.Background(), "ping")
	assert.True(t, errors.HasCode(err, ErrCircuitOpen), "coded transport errors pass through the bridge")
}
