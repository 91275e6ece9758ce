package loader

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/config"
	ffibridge "github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/bridges/native"
	"github.com/gear6io/polycall/server/ffi/bridges/wasm"
	"github.com/gear6io/polycall/server/ffi/core"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/gear6io/polycall/server/protocols/transport/breaker"
	grpctransport "github.com/gear6io/polycall/server/protocols/transport/grpc"
	"github.com/gear6io/polycall/server/store"
	"github.com/rs/zerolog"
)

const ComponentType = "loader"

// Loader builds and owns the invocation core: the dispatcher with its
// language bridges, the protocol bridge with its outbound transport, and
// the store that persists routing
type Loader struct {
	config *config.Config
	logger zerolog.Logger

	core       *ffibridge.CoreContext
	directory  *core.Directory
	dispatcher *core.Dispatcher
	native     *native.Bridge
	wasm       *wasm.Bridge

	protocol *bridge.Bridge
	client   *grpctransport.Client
	breaker  *breaker.Transport
	store    *store.Store
}

// NewLoader wires every component cfg enables. On failure whatever was
// already built is torn down.
func NewLoader(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Loader, error) {
	if cfg == nil {
		return nil, errors.New(errors.FFIInvalidParameters, "configuration is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{
		config: cfg,
		logger: logger.With().Str("component", ComponentType).Logger(),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"core", l.initCore},
		{"native_bridge", l.initNative},
		{"wasm_bridge", l.initWasm},
		{"protocol_bridge", l.initProtocol},
		{"store", l.initStore},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			l.logger.Error().Err(err).Str("step", step.name).Msg("Component initialization failed")
			if closeErr := l.Close(context.Background()); closeErr != nil {
				l.logger.Warn().Err(closeErr).Msg("Cleanup after failed initialization was incomplete")
			}
			return nil, errors.New(ErrComponentInitFailed, "failed to initialize "+step.name, err).
				AddContext("component", step.name)
		}
	}

	l.logger.Info().
		Strs("languages", l.dispatcher.Languages()).
		Int("routes", l.protocol.Routes().Len()).
		Int("remote_functions", l.protocol.Remote().Count()).
		Msg("Loader initialized")
	return l, nil
}

func (l *Loader) bridgeOptions() ffibridge.Options {
	return ffibridge.Options{
		FunctionCapacity: l.config.Core.FunctionCapacity,
		CallbackCapacity: l.config.Core.CallbackCapacity,
	}
}

func (l *Loader) initCore(context.Context) error {
	l.core = ffibridge.NewCoreContext(l.logger)
	if l.config.Core.MemoryLimit > 0 {
		l.core.Allocator = ffibridge.NewBudgetAllocator(l.config.Core.MemoryLimit)
	}
	l.directory = core.NewDirectory()
	l.dispatcher = core.NewDispatcher(l.core, l.directory)
	return nil
}

func (l *Loader) initNative(context.Context) error {
	if !l.config.Core.Native.Enabled {
		return nil
	}
	b := native.New(native.Options{
		Options:    l.bridgeOptions(),
		Serialized: l.config.Core.Native.Serialized,
	})
	if err := l.dispatcher.RegisterBridge(b); err != nil {
		return err
	}
	l.native = b
	return nil
}

func (l *Loader) initWasm(ctx context.Context) error {
	wc := l.config.Core.Wasm
	if !wc.Enabled {
		return nil
	}
	b := wasm.New(wasm.Options{
		Options:          l.bridgeOptions(),
		MemoryLimitPages: wc.MemoryLimitPages,
	})
	if err := l.dispatcher.RegisterBridge(b); err != nil {
		return err
	}
	l.wasm = b

	for _, m := range wc.Modules {
		binary, err := os.ReadFile(m.Path)
		if err != nil {
			return errors.New(ErrModuleReadFailed, "failed to read wasm module", err).
				AddContext("module", m.Name).
				AddContext("path", m.Path)
		}
		if err := b.LoadModule(ctx, m.Name, binary); err != nil {
			return err
		}
		for _, e := range m.Exports {
			sig, err := e.Signature.Build()
			if err != nil {
				return err
			}
			name := e.Function
			if name == "" {
				name = e.Export
			}
			if err := b.RegisterFunction(name, wasm.Export{Module: m.Name, Name: e.Export}, sig, registry.FlagThreadSafe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) initProtocol(context.Context) error {
	l.client = grpctransport.NewClient(grpctransport.ClientOptions{Logger: l.logger})

	var transport bridge.Transport = l.client
	if bc := l.config.Protocol.Breaker; bc.Enabled {
		l.breaker = breaker.New(l.client, breaker.Options{
			FailureThreshold: bc.FailureThreshold,
			RecoveryTimeout:  bc.RecoveryTimeout,
			Logger:           l.logger,
		})
		transport = l.breaker
	}

	l.protocol = bridge.New(l.dispatcher, transport, bridge.Options{
		Timeout: l.config.GetCallTimeout(),
		Logger:  l.logger,
	})

	for _, r := range l.config.Routing {
		if err := l.protocol.Routes().Add(bridge.RoutingRule{
			SourcePattern:  r.Source,
			TargetEndpoint: r.Target,
			Priority:       r.Priority,
		}); err != nil {
			return err
		}
	}
	for _, fc := range l.config.RemoteFunctions {
		fn, err := remoteFunction(fc)
		if err != nil {
			return err
		}
		if err := l.protocol.Remote().Register(fn); err != nil {
			return err
		}
	}

	handlers := map[string]bridge.SystemHandler{
		"languages":       l.listLanguages,
		"local_functions": l.listLocalFunctions,
		"stats":           l.stats,
	}
	for cmd, h := range handlers {
		if err := l.protocol.RegisterSystemHandler(cmd, h); err != nil {
			return err
		}
	}
	return nil
}

func remoteFunction(fc config.RemoteFunctionConfig) (bridge.RemoteFunction, error) {
	sig, err := fc.Signature.Build()
	if err != nil {
		return bridge.RemoteFunction{}, errors.AsError(err).AddContext("function", fc.Name)
	}
	return bridge.RemoteFunction{
		Name:      fc.Name,
		Language:  fc.Language,
		Signature: sig,
		Endpoint:  fc.Endpoint,
	}, nil
}

// initStore persists what the configuration declares, then brings back
// everything saved by earlier runs
func (l *Loader) initStore(ctx context.Context) error {
	path := l.config.Store.Path
	if path == "" {
		return nil
	}
	if path != store.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.New(ErrStoreDirFailed, "failed to create store directory", err).
				AddContext("path", path)
		}
	}

	s, err := store.Open(ctx, path, l.logger)
	if err != nil {
		return err
	}
	l.store = s

	for _, r := range l.protocol.Routes().Rules() {
		if err := s.SaveRule(ctx, r); err != nil {
			return err
		}
	}
	for _, fn := range l.protocol.Remote().List() {
		if err := s.SaveRemoteFunction(ctx, fn); err != nil {
			return err
		}
	}

	_, _, err = s.Restore(ctx, l.protocol)
	return err
}

// AddRoute adds rule to the live routing table and, when a store is
// configured, persists it
func (l *Loader) AddRoute(ctx context.Context, rule bridge.RoutingRule) error {
	if err := l.protocol.Routes().Add(rule); err != nil {
		return err
	}
	if l.store != nil {
		return l.store.SaveRule(ctx, rule)
	}
	return nil
}

// RemoveRoute removes the rule from the live table and the store
func (l *Loader) RemoveRoute(ctx context.Context, source, target string) error {
	if err := l.protocol.Routes().Remove(source, target); err != nil {
		return err
	}
	if l.store != nil {
		return l.store.DeleteRule(ctx, source, target)
	}
	return nil
}

// RegisterRemoteFunction registers fn with the protocol bridge and persists
// it
func (l *Loader) RegisterRemoteFunction(ctx context.Context, fn bridge.RemoteFunction) error {
	if err := l.protocol.Remote().Register(fn); err != nil {
		return err
	}
	if l.store != nil {
		return l.store.SaveRemoteFunction(ctx, fn)
	}
	return nil
}

type languageInfo struct {
	Name      string `json:"name"`
	Functions int    `json:"functions"`
}

func (l *Loader) listLanguages(context.Context, *bridge.Message) ([]byte, error) {
	functions := l.dispatcher.Functions()
	out := make([]languageInfo, 0, len(functions))
	for _, lang := range l.dispatcher.Languages() {
		out = append(out, languageInfo{Name: lang, Functions: len(functions[lang])})
	}
	return json.Marshal(out)
}

type localFunction struct {
	Language  string `json:"language"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

func (l *Loader) listLocalFunctions(context.Context, *bridge.Message) ([]byte, error) {
	var out []localFunction
	for lang, fns := range l.dispatcher.Functions() {
		for _, fn := range fns {
			out = append(out, localFunction{Language: lang, Name: fn.Name, Signature: fn.Signature.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Language != out[j].Language {
			return out[i].Language < out[j].Language
		}
		return out[i].Name < out[j].Name
	})
	return json.Marshal(out)
}

func (l *Loader) stats(context.Context, *bridge.Message) ([]byte, error) {
	return json.Marshal(l.protocol.Stats())
}

// Close shuts the dispatcher down and releases the transport and store.
// Every component is attempted; failures are joined.
func (l *Loader) Close(ctx context.Context) error {
	var errs []error
	if l.dispatcher != nil {
		if err := l.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if l.client != nil {
		if err := l.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.New(ErrShutdownFailed, "loader shutdown incomplete", stderrors.Join(errs...))
	}
	l.logger.Info().Msg("Loader stopped")
	return nil
}

func (l *Loader) GetConfig() *config.Config { return l.config }

func (l *Loader) Core() *ffibridge.CoreContext { return l.core }

func (l *Loader) Directory() *core.Directory { return l.directory }

func (l *Loader) Dispatcher() *core.Dispatcher { return l.dispatcher }

// Native is nil when the native bridge is disabled
func (l *Loader) Native() *native.Bridge { return l.native }

// Wasm is nil when the wasm bridge is disabled
func (l *Loader) Wasm() *wasm.Bridge { return l.wasm }

func (l *Loader) Protocol() *bridge.Bridge { return l.protocol }

// Store is nil when no store path is configured
func (l *Loader) Store() *store.Store { return l.store }

// GetStatus returns the status of all components
func (l *Loader) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"core_context": l.core.ID,
		"languages":    l.dispatcher.Languages(),
		"routes":       l.protocol.Routes().Len(),
		"remote":       l.protocol.Remote().Count(),
		"stats":        l.protocol.Stats(),
		"endpoints":    l.client.Endpoints(),
	}
	if l.breaker != nil {
		status["breaker"] = l.breaker.GetStats()
	}
	if l.store != nil {
		status["store"] = l.store.Path()
	}
	return status
}
