package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/config"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/gear6io/polycall/server/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addModule exports add(i32, i32) -> i32, boom() and double(f64) -> f64
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0f, 0x03,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x00, 0x00,
	0x60, 0x01, 0x7c, 0x01, 0x7c,
	0x03, 0x04, 0x03, 0x00, 0x01, 0x02,
	0x07, 0x17, 0x03,
	0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x04, 'b', 'o', 'o', 'm', 0x00, 0x01,
	0x06, 'd', 'o', 'u', 'b', 'l', 'e', 0x00, 0x02,
	0x0a, 0x15, 0x03,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	0x03, 0x00, 0x00, 0x0b,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x00, 0xa0, 0x0b,
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	wasmPath := filepath.Join(dir, "math.wasm")
	require.NoError(t, os.WriteFile(wasmPath, addModule, 0644))

	cfg := config.LoadDefaultConfig()
	cfg.Protocol.Enabled = false
	cfg.Store.Path = filepath.Join(dir, "data", "polycall.db")
	cfg.Core.Wasm.Modules = []config.WasmModuleConfig{{
		Name: "math",
		Path: wasmPath,
		Exports: []config.WasmExportConfig{
			{Export: "add", Signature: config.SignatureConfig{Return: "int32", Params: []string{"a:int32", "b:int32"}}},
			{Function: "twice", Export: "double", Signature: config.SignatureConfig{Return: "double", Params: []string{"double"}}},
		},
	}}
	cfg.Routing = []config.RouteConfig{{Source: "/function/", Target: "peer:7431", Priority: 1}}
	cfg.RemoteFunctions = []config.RemoteFunctionConfig{{
		Name:      "upper",
		Language:  "python",
		Signature: config.SignatureConfig{Return: "string", Params: []string{"string"}},
	}}
	return cfg
}

func TestNewLoader(t *testing.T) {
	cfg := testConfig(t)
	l, err := NewLoader(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	assert.Equal(t, []string{"go", "wasm"}, l.Dispatcher().Languages())
	assert.NotNil(t, l.Native())
	assert.NotNil(t, l.Wasm())
	assert.NotNil(t, l.Store())
	assert.Equal(t, cfg, l.GetConfig())

	got, err := l.Dispatcher().Call(context.Background(), "wasm", "add", []types.Value{types.Int32(40), types.Int32(2)})
	require.NoError(t, err)
	assert.True(t, types.Equal(types.Int32(42), got))

	got, err = l.Dispatcher().Call(context.Background(), "wasm", "twice", []types.Value{types.Double(1.25)})
	require.NoError(t, err)
	assert.True(t, types.Equal(types.Double(2.5), got))

	assert.Equal(t, 1, l.Protocol().Routes().Len())
	fn, err := l.Protocol().Remote().Lookup("upper")
	require.NoError(t, err)
	assert.Equal(t, "python", fn.Language)
}

func TestDisabledBridges(t *testing.T) {
	cfg := config.LoadDefaultConfig()
	cfg.Protocol.Enabled = false
	cfg.Store.Path = ""
	cfg.Core.Native.Enabled = false
	cfg.Core.Wasm.Enabled = false

	l, err := NewLoader(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	assert.Empty(t, l.Dispatcher().Languages())
	assert.Nil(t, l.Native())
	assert.Nil(t, l.Wasm())
	assert.Nil(t, l.Store())

	_, err = l.Dispatcher().Call(context.Background(), "go", "anything", nil)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
}

func TestConfigIsPersistedAndRestored(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	l, err := NewLoader(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.AddRoute(ctx, bridge.RoutingRule{SourcePattern: "/function/log", TargetEndpoint: "logger:7431", Priority: 9}))
	require.NoError(t, l.RegisterRemoteFunction(ctx, bridge.RemoteFunction{
		Name:      "log",
		Language:  "js",
		Signature: types.SignatureOf(types.TagVoid, types.TagString),
	}))
	require.NoError(t, l.Close(ctx))

	// a restart without any routing in the file comes back with everything
	cfg.Routing = nil
	cfg.RemoteFunctions = nil
	l, err = NewLoader(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close(ctx)

	rules := l.Protocol().Routes().Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "logger:7431", rules[0].TargetEndpoint)
	assert.Equal(t, "peer:7431", rules[1].TargetEndpoint)

	_, err = l.Protocol().Remote().Lookup("upper")
	assert.NoError(t, err)
	_, err = l.Protocol().Remote().Lookup("log")
	assert.NoError(t, err)

	require.NoError(t, l.RemoveRoute(ctx, "/function/log", "logger:7431"))
	stored, err := l.Store().LoadRules(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSystemCommands(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = store.MemoryPath
	l, err := NewLoader(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	resp := l.Protocol().HandleMessage(context.Background(), bridge.NewMessage(bridge.SystemPath("languages"), nil))
	require.False(t, resp.IsError(), resp.Get(bridge.MetaErrorMessage))
	var langs []languageInfo
	require.NoError(t, json.Unmarshal(resp.Payload, &langs))
	assert.Equal(t, []languageInfo{{Name: "go", Functions: 0}, {Name: "wasm", Functions: 2}}, langs)

	resp = l.Protocol().HandleMessage(context.Background(), bridge.NewMessage(bridge.SystemPath("local_functions"), nil))
	require.False(t, resp.IsError())
	var fns []localFunction
	require.NoError(t, json.Unmarshal(resp.Payload, &fns))
	require.Len(t, fns, 2)
	assert.Equal(t, "add", fns[0].Name)
	assert.Equal(t, "twice", fns[1].Name)

	resp = l.Protocol().HandleMessage(context.Background(), bridge.NewMessage(bridge.SystemPath("stats"), nil))
	require.False(t, resp.IsError())
	var stats bridge.Stats
	require.NoError(t, json.Unmarshal(resp.Payload, &stats))
	assert.Equal(t, uint64(3), stats.Handled, "the stats call counts itself")

	status := l.GetStatus()
	assert.Equal(t, store.MemoryPath, status["store"])
	assert.Contains(t, status, "breaker")
}

func TestInitFailureCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Core.Wasm.Modules[0].Path = filepath.Join(t.TempDir(), "missing.wasm")

	_, err := NewLoader(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrComponentInitFailed))
	assert.True(t, errors.HasCode(err, ErrModuleReadFailed))

	_, err = NewLoader(context.Background(), nil, zerolog.Nop())
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))
}
