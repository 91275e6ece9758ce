package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := LoadDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DEFAULT_FUNCTION_CAPACITY, cfg.Core.FunctionCapacity)
	assert.Equal(t, DEFAULT_CALLBACK_CAPACITY, cfg.Core.CallbackCapacity)
	assert.Equal(t, "127.0.0.1:7431", cfg.GetProtocolAddress())
	assert.Equal(t, DEFAULT_CALL_TIMEOUT, cfg.GetCallTimeout())
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`
protocol:
  port: 9100
  timeout: 250ms
routing:
  - source: /function/
    target: peer:7431
    priority: 10
remote_functions:
  - name: add
    language: go
    signature:
      return: int32
      params:
        - a:int32
        - b:int32
  - name: log
    language: python
    endpoint: logger:7431
    signature:
      params: ["message:string", "level:int32?"]
      variadic: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Protocol.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.GetCallTimeout())
	assert.True(t, cfg.Protocol.Enabled, "unset keys keep defaults")
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Routing, 1)
	assert.Equal(t, RouteConfig{Source: "/function/", Target: "peer:7431", Priority: 10}, cfg.Routing[0])

	require.Len(t, cfg.RemoteFunctions, 2)
	assert.Equal(t, []string{"a:int32", "b:int32"}, cfg.RemoteFunctions[0].Signature.Params)
	assert.Equal(t, []string{"message:string", "level:int32?"}, cfg.RemoteFunctions[1].Signature.Params)

	sig, err := cfg.RemoteFunctions[1].Signature.Build()
	require.NoError(t, err)
	assert.Equal(t, types.TagVoid, sig.Return.Tag)
	require.Len(t, sig.Params, 2)
	assert.Equal(t, "message", sig.Params[0].Name)
	assert.Equal(t, "level", sig.Params[1].Name)
	assert.Equal(t, types.TagInt32, sig.Params[1].Type.Tag)
	assert.True(t, sig.Params[1].Optional)
	assert.True(t, sig.Variadic)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	cfg := LoadDefaultConfig()
	cfg.Protocol.Timeout = 3 * time.Second
	cfg.Routing = []RouteConfig{{Source: "/", Target: "x", Priority: 1}}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":         func(c *Config) { c.Protocol.Port = 70000 },
		"negative memory":  func(c *Config) { c.Core.MemoryLimit = -1 },
		"negative breaker": func(c *Config) { c.Protocol.Breaker.FailureThreshold = -1 },
		"route no target":  func(c *Config) { c.Routing = []RouteConfig{{Source: "/"}} },
		"function no name": func(c *Config) { c.RemoteFunctions = []RemoteFunctionConfig{{Language: "go"}} },
		"bad tag": func(c *Config) {
			c.RemoteFunctions = []RemoteFunctionConfig{{Name: "f", Language: "go", Signature: SignatureConfig{Params: []string{"quux"}}}}
		},
		"void param": func(c *Config) {
			c.RemoteFunctions = []RemoteFunctionConfig{{Name: "f", Language: "go", Signature: SignatureConfig{Params: []string{"x:void"}}}}
		},
		"duplicate function": func(c *Config) {
			c.RemoteFunctions = []RemoteFunctionConfig{{Name: "f", Language: "go"}, {Name: "f", Language: "go"}}
		},
		"wasm without path": func(c *Config) { c.Core.Wasm.Modules = []WasmModuleConfig{{Name: "m"}} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := LoadDefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := LoadDefaultConfig()
	cfg.Protocol.Enabled = false
	cfg.Protocol.Port = -1
	assert.NoError(t, cfg.Validate(), "port is ignored when the protocol is disabled")

	cfg = LoadDefaultConfig()
	cfg.Protocol.Port = 0
	assert.NoError(t, cfg.Validate(), "port 0 binds any free port")
	assert.Equal(t, "127.0.0.1:0", cfg.GetProtocolAddress())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, errors.HasCode(err, ErrConfigFileReadFailed))

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("protocol: [unclosed"), 0644))
	_, err = LoadConfig(path)
	assert.True(t, errors.HasCode(err, ErrConfigFileParseFailed))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	cfg := LoadDefaultConfig()
	cfg.Log.Console = false
	cfg.Log.FilePath = filepath.Join(t.TempDir(), "logs", "polycall.log")

	logger, closer, err := SetupLogger(cfg)
	require.NoError(t, err)
	logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.Log.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"service":"polycall"`)
}
