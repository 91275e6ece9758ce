package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/config"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadDefaultConfig()
	cfg.Protocol.Port = 0
	cfg.Protocol.Timeout = 2 * time.Second
	cfg.Store.Path = filepath.Join(t.TempDir(), "polycall.db")
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestBuiltinsAnswerLocally(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Protocol.Enabled = false
	s := startServer(t, cfg)

	assert.Empty(t, s.Addr())

	got, err := s.Loader().Dispatcher().Call(context.Background(), "go", "echo", []types.Value{types.String("hi")})
	require.NoError(t, err)
	assert.True(t, types.Equal(types.String("hi"), got))

	got, err = s.Loader().Dispatcher().Call(context.Background(), "go", "version", nil)
	require.NoError(t, err)
	v, err := got.AsString()
	require.NoError(t, err)
	assert.Equal(t, Version, v)
}

func TestRemoteCallBetweenServers(t *testing.T) {
	peer := startServer(t, serverConfig(t))
	require.NoError(t, peer.Loader().Native().RegisterFunction("mul", func(a, b int64) int64 { return a * b },
		types.SignatureOf(types.TagInt64, types.TagInt64, types.TagInt64), registry.FlagThreadSafe))

	cfg := serverConfig(t)
	cfg.Protocol.Enabled = false
	cfg.RemoteFunctions = []config.RemoteFunctionConfig{
		{
			Name:      "mul",
			Language:  "go",
			Endpoint:  peer.Addr(),
			Signature: config.SignatureConfig{Return: "int64", Params: []string{"a:int64", "b:int64"}},
		},
		{
			Name:      "echo",
			Language:  "go",
			Signature: config.SignatureConfig{Return: "string", Params: []string{"string"}},
		},
	}
	cfg.Routing = []config.RouteConfig{{Source: "/function/", Target: peer.Addr(), Priority: 1}}
	client := startServer(t, cfg)

	got, err := client.Loader().Protocol().CallRemoteFunction(context.Background(), "mul", types.Int64(6), types.Int64(7))
	require.NoError(t, err)
	assert.True(t, types.Equal(types.Int64(42), got))

	// echo has no endpoint of its own and is found through the routing table
	got, err = client.Loader().Protocol().CallRemoteFunction(context.Background(), "echo", types.String("over the wire"))
	require.NoError(t, err)
	assert.True(t, types.Equal(types.String("over the wire"), got))

	_, err = client.Loader().Protocol().CallRemoteFunction(context.Background(), "mul", types.Int64(1))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters), "arity is checked before anything is sent")

	status := client.GetStatus()
	assert.Equal(t, Version, status["version"])
	assert.NotContains(t, status, "protocol")
	assert.Contains(t, peer.GetStatus(), "protocol")
}

func TestUnreachablePeerTimesOut(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Protocol.Enabled = false
	cfg.Protocol.Timeout = 100 * time.Millisecond
	cfg.RemoteFunctions = []config.RemoteFunctionConfig{{
		Name:      "echo",
		Language:  "go",
		Endpoint:  "127.0.0.1:1",
		Signature: config.SignatureConfig{Return: "string", Params: []string{"string"}},
	}}
	s := startServer(t, cfg)

	start := time.Now()
	_, err := s.Loader().Protocol().CallRemoteFunction(context.Background(), "echo", types.String("x"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.FFITimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestShutdownClosesStore(t *testing.T) {
	cfg := serverConfig(t)
	s, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NotEmpty(t, s.Addr())

	require.NoError(t, s.Shutdown(context.Background()))

	// the database file is released and can be reopened
	s, err = New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
}
