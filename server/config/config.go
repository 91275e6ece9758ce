package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"gopkg.in/yaml.v3"
)

// Config represents the process configuration
type Config struct {
	Log             LogConfig              `yaml:"log"`
	Core            CoreConfig             `yaml:"core"`
	Protocol        ProtocolConfig         `yaml:"protocol"`
	Routing         []RouteConfig          `yaml:"routing,omitempty"`
	RemoteFunctions []RemoteFunctionConfig `yaml:"remote_functions,omitempty"`
	Store           StoreConfig            `yaml:"store"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`      // "json" or "console"
	FilePath   string `yaml:"file_path"`   // Path to log file
	Console    bool   `yaml:"console"`     // Whether to log to console
	MaxSize    int    `yaml:"max_size"`    // Max file size in MB
	MaxBackups int    `yaml:"max_backups"` // Max number of backup files
	Cleanup    bool   `yaml:"cleanup"`     // Whether to truncate the log file on startup
}

// CoreConfig sizes the dispatcher and selects the language bridges
type CoreConfig struct {
	FunctionCapacity int `yaml:"function_capacity"`
	CallbackCapacity int `yaml:"callback_capacity"`
	// MemoryLimit bounds scratch memory handed out to bridges, in bytes.
	// Zero means unbounded.
	MemoryLimit int64        `yaml:"memory_limit"`
	Native      NativeConfig `yaml:"native"`
	Wasm        WasmConfig   `yaml:"wasm"`
}

type NativeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Serialized runs functions not flagged thread safe one at a time
	Serialized bool `yaml:"serialized"`
}

type WasmConfig struct {
	Enabled          bool               `yaml:"enabled"`
	MemoryLimitPages uint32             `yaml:"memory_limit_pages"`
	Modules          []WasmModuleConfig `yaml:"modules,omitempty"`
}

// WasmModuleConfig loads a module from Path and registers the listed
// exports as functions
type WasmModuleConfig struct {
	Name    string             `yaml:"name"`
	Path    string             `yaml:"path"`
	Exports []WasmExportConfig `yaml:"exports,omitempty"`
}

type WasmExportConfig struct {
	// Function is the registered name; it defaults to Export
	Function  string          `yaml:"function"`
	Export    string          `yaml:"export"`
	Signature SignatureConfig `yaml:"signature"`
}

// ProtocolConfig configures the protocol bridge and its gRPC listener
type ProtocolConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig guards outbound endpoints with a circuit breaker
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RouteConfig is a routing rule
type RouteConfig struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	Priority int    `yaml:"priority"`
}

// RemoteFunctionConfig registers a function callable on a peer
type RemoteFunctionConfig struct {
	Name      string          `yaml:"name"`
	Language  string          `yaml:"language"`
	Endpoint  string          `yaml:"endpoint,omitempty"`
	Signature SignatureConfig `yaml:"signature"`
}

// SignatureConfig spells a signature with tag names. A parameter is
// "type" or "name:type"; a trailing "?" marks it optional. In a flow
// sequence the entries must be quoted, as in ["msg:string", "n:int32?"];
// block sequence entries may stay plain.
type SignatureConfig struct {
	Return   string   `yaml:"return"`
	Params   []string `yaml:"params,omitempty"`
	Variadic bool     `yaml:"variadic,omitempty"`
}

// StoreConfig enables persistence of routing rules and remote functions
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoadDefaultConfig returns a default configuration
func LoadDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			FilePath:   "logs/polycall.log",
			Console:    true,
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			Cleanup:    false,
		},
		Core: CoreConfig{
			FunctionCapacity: DEFAULT_FUNCTION_CAPACITY,
			CallbackCapacity: DEFAULT_CALLBACK_CAPACITY,
			Native:           NativeConfig{Enabled: true},
			Wasm:             WasmConfig{Enabled: true},
		},
		Protocol: ProtocolConfig{
			Enabled: true,
			Address: LOCALHOST_ADDRESS,
			Port:    PROTOCOL_SERVER_PORT,
			Timeout: DEFAULT_CALL_TIMEOUT,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: DEFAULT_BREAKER_THRESHOLD,
				RecoveryTimeout:  DEFAULT_BREAKER_RECOVERY,
			},
		},
		Store: StoreConfig{
			Path: "./data/polycall.db",
		},
	}
}

// LoadConfig loads configuration from a file. Keys missing from the file
// keep their default values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.New(ErrConfigFileReadFailed, "failed to read config file", err).
			AddContext("file", filename)
	}

	config := LoadDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.New(ErrConfigFileParseFailed, "failed to parse config file", err).
			AddContext("file", filename)
	}

	if err := config.Validate(); err != nil {
		return nil, errors.New(ErrConfigValidationFailed, "configuration validation failed", err).
			AddContext("file", filename)
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.New(ErrConfigFileMarshalFailed, "failed to marshal config", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.New(ErrConfigFileWriteFailed, "failed to write config file", err).
			AddContext("file", filename)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Core.Validate(); err != nil {
		return err
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}

	for i, r := range c.Routing {
		if r.Source == "" || r.Target == "" {
			return errors.New(ErrRouteInvalid, "route requires source and target", nil).
				AddContext("index", strconv.Itoa(i))
		}
	}

	seen := make(map[string]struct{}, len(c.RemoteFunctions))
	for _, fn := range c.RemoteFunctions {
		if fn.Name == "" || fn.Language == "" {
			return errors.New(ErrRemoteFunctionInvalid, "remote function requires name and language", nil)
		}
		if _, dup := seen[fn.Name]; dup {
			return errors.New(ErrRemoteFunctionInvalid, "remote function declared twice", nil).
				AddContext("function", fn.Name)
		}
		seen[fn.Name] = struct{}{}
		if _, err := fn.Signature.Build(); err != nil {
			return errors.New(ErrRemoteFunctionInvalid, "invalid remote function signature", err).
				AddContext("function", fn.Name)
		}
	}
	return nil
}

// Validate validates the core configuration
func (c *CoreConfig) Validate() error {
	if c.FunctionCapacity < 0 || c.CallbackCapacity < 0 {
		return errors.New(ErrCoreValidationFailed, "registry capacities cannot be negative", nil)
	}
	if c.MemoryLimit < 0 {
		return errors.New(ErrCoreValidationFailed, "memory_limit cannot be negative", nil)
	}

	for _, m := range c.Wasm.Modules {
		if m.Name == "" || m.Path == "" {
			return errors.New(ErrWasmModuleInvalid, "wasm module requires name and path", nil)
		}
		for _, e := range m.Exports {
			if e.Export == "" {
				return errors.New(ErrWasmModuleInvalid, "wasm export requires an export name", nil).
					AddContext("module", m.Name)
			}
			if _, err := e.Signature.Build(); err != nil {
				return errors.New(ErrWasmModuleInvalid, "invalid wasm export signature", err).
					AddContext("module", m.Name).
					AddContext("export", e.Export)
			}
		}
	}
	return nil
}

// Validate validates the protocol configuration
func (p *ProtocolConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	// port 0 binds any free port
	if p.Port != 0 && !IsValidPort(p.Port) {
		return errors.New(ErrProtocolInvalid, "protocol port out of range", nil).
			AddContext("port", strconv.Itoa(p.Port))
	}
	if p.Timeout < 0 {
		return errors.New(ErrProtocolInvalid, "protocol timeout cannot be negative", nil)
	}
	if p.Breaker.FailureThreshold < 0 || p.Breaker.RecoveryTimeout < 0 {
		return errors.New(ErrProtocolInvalid, "breaker settings cannot be negative", nil)
	}
	return nil
}

// GetProtocolAddress returns host:port of the protocol listener
func (c *Config) GetProtocolAddress() string {
	host := c.Protocol.Address
	if host == "" {
		host = DEFAULT_SERVER_ADDRESS
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Protocol.Port))
}

// GetCallTimeout returns the outbound call timeout
func (c *Config) GetCallTimeout() time.Duration {
	if c.Protocol.Timeout <= 0 {
		return DEFAULT_CALL_TIMEOUT
	}
	return c.Protocol.Timeout
}

// Build turns the configured spelling into a signature
func (s SignatureConfig) Build() (*types.Signature, error) {
	ret := types.Void
	if s.Return != "" {
		tag, err := types.ParseTag(s.Return)
		if err != nil {
			return nil, err
		}
		ret = types.Of(tag)
	}

	sig := types.NewSignature(ret)
	for _, spec := range s.Params {
		p, err := parseParam(spec)
		if err != nil {
			return nil, err
		}
		if err := sig.AddParam(p); err != nil {
			return nil, err
		}
	}
	if err := sig.SetVariadic(s.Variadic); err != nil {
		return nil, err
	}
	return sig, nil
}

func parseParam(spec string) (types.Param, error) {
	var p types.Param
	spec = strings.TrimSpace(spec)
	if strings.HasSuffix(spec, "?") {
		p.Optional = true
		spec = strings.TrimSuffix(spec, "?")
	}
	if name, typ, ok := strings.Cut(spec, ":"); ok {
		p.Name = strings.TrimSpace(name)
		spec = strings.TrimSpace(typ)
	}

	tag, err := types.ParseTag(spec)
	if err != nil {
		return types.Param{}, err
	}
	if tag == types.TagVoid {
		return types.Param{}, errors.New(errors.FFIInvalidParameters, fmt.Sprintf("parameter %q cannot be void", p.Name), nil)
	}
	p.Type = types.Of(tag)
	return p, nil
}
