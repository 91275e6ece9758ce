package wasm

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

const (
	DefaultName    = "wasm"
	DefaultVersion = "1.0.0"

	// HostModule is the import namespace guests use to reach the host
	HostModule = "polycall"

	maxFaultMessage = 512
	maxLogMessage   = 4096
)

// Export names a guest function as module + export name
type Export struct {
	Module string
	Name   string
}

// ParseExport accepts "module.export"
func ParseExport(s string) (Export, error) {
	mod, name, ok := strings.Cut(s, ".")
	if !ok || mod == "" || name == "" {
		return Export{}, errors.New(errors.FFIInvalidParameters, "wasm export must be module.export", nil).
			AddContext("export", s)
	}
	return Export{Module: mod, Name: name}, nil
}

func (e Export) String() string { return e.Module + "." + e.Name }

// instance is one instantiated guest module. Guest code is single threaded,
// so calls into the same instance are serialized.
type instance struct {
	name string
	mod  api.Module
	mu   sync.Mutex
}

type function struct {
	inst *instance
	fn   api.Function
}

type Options struct {
	bridge.Options
	Name    string
	Version string
	// MemoryLimitPages caps each guest's linear memory in 64KiB pages. 0
	// keeps the wazero default.
	MemoryLimitPages uint32
}

// Bridge runs WebAssembly modules in-process on wazero. Loaded modules'
// exports become callable functions with primitive signatures.
type Bridge struct {
	*bridge.Base[*function]

	opts Options

	mu      sync.Mutex
	runtime wazero.Runtime
	modules map[string]*instance
}

var (
	_ bridge.LanguageBridge = (*Bridge)(nil)
	_ bridge.FunctionLister = (*Bridge)(nil)
)

func New(opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Bridge{
		Base:    bridge.NewBase[*function](opts.Name, opts.Version, opts.Options),
		opts:    opts,
		modules: make(map[string]*instance),
	}
}

// Initialize starts the wazero runtime and the host module guests may import
func (b *Bridge) Initialize(core *bridge.CoreContext) error {
	if err := b.Base.Initialize(core); err != nil {
		return err
	}

	ctx := context.Background()
	cfg := wazero.NewRuntimeConfig().WithDebugInfoEnabled(false)
	if b.opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(b.opts.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	logger := b.Logger()
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostLog(logger, m, ptr, length)
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		_ = b.Base.Cleanup(core)
		return errors.New(errors.FFIInitializationFailed, "failed to instantiate host module", err)
	}

	b.mu.Lock()
	b.runtime = rt
	b.mu.Unlock()
	return nil
}

func hostLog(logger zerolog.Logger, m api.Module, ptr, length uint32) {
	if length > maxLogMessage {
		length = maxLogMessage
	}
	mem := m.Memory()
	if mem == nil {
		return
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		logger.Warn().Str("module", m.Name()).Msg("Guest log outside linear memory")
		return
	}
	logger.Info().Str("module", m.Name()).Msg(string(buf))
}

// LoadModule compiles and instantiates a guest module under name
func (b *Bridge) LoadModule(ctx context.Context, name string, binary []byte) error {
	if err := b.Ready(); err != nil {
		return err
	}
	if name == "" || name == HostModule {
		return errors.New(errors.FFIInvalidParameters, "invalid wasm module name", nil).
			AddContext("module", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.modules[name]; exists {
		return b.Fail(errors.New(errors.FFIAlreadyExists, "wasm module already loaded", nil).
			AddContext("module", name))
	}

	compiled, err := b.runtime.CompileModule(ctx, binary)
	if err != nil {
		return b.Fail(errors.New(ErrModuleInvalid, "failed to compile wasm module", err).
			AddContext("module", name))
	}
	mod, err := b.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		_ = compiled.Close(ctx)
		return b.Fail(errors.New(ErrModuleInvalid, "failed to instantiate wasm module", err).
			AddContext("module", name))
	}

	b.modules[name] = &instance{name: name, mod: mod}
	logger := b.Logger()
	logger.Info().Str("module", name).Int("exports", len(compiled.ExportedFunctions())).Msg("Wasm module loaded")
	return nil
}

// Modules lists loaded module names
func (b *Bridge) Modules() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.modules))
	for name := range b.modules {
		out = append(out, name)
	}
	return out
}

// RegisterFunction binds name to a guest export. handle is an Export or a
// "module.export" string.
func (b *Bridge) RegisterFunction(name string, handle any, sig *types.Signature, flags registry.Flags) error {
	if err := b.Ready(); err != nil {
		return err
	}
	if sig == nil {
		return errors.New(errors.FFIInvalidParameters, "signature is required", nil)
	}

	var exp Export
	switch h := handle.(type) {
	case Export:
		exp = h
	case string:
		var err error
		if exp, err = ParseExport(h); err != nil {
			return b.Fail(err)
		}
	default:
		return b.Fail(errors.New(errors.FFIInvalidParameters, "wasm handle must be an Export", nil).
			AddContext("function", name))
	}

	b.mu.Lock()
	inst, ok := b.modules[exp.Module]
	b.mu.Unlock()
	if !ok {
		return b.Fail(errors.New(errors.FFINotFound, "wasm module not loaded", nil).
			AddContext("module", exp.Module))
	}

	fn := inst.mod.ExportedFunction(exp.Name)
	if fn == nil {
		return b.Fail(errors.New(errors.FFINotFound, "wasm export not found", nil).
			AddContext("export", exp.String()))
	}
	if err := checkShape(fn.Definition(), sig); err != nil {
		return b.Fail(errors.AsError(err).AddContext("function", name))
	}
	return b.Register(name, &function{inst: inst, fn: fn}, sig, flags)
}

func (b *Bridge) CallFunction(ctx context.Context, name string, args []types.Value) (types.Value, error) {
	entry, err := b.Lookup(name)
	if err != nil {
		return types.Value{}, err
	}
	sig := entry.Signature
	if err := sig.CheckArgs(args); err != nil {
		return types.Value{}, errors.AsError(err).AddContext("function", name)
	}

	stack := make([]uint64, len(args))
	for i, arg := range args {
		raw, err := encode(arg)
		if err != nil {
			return types.Value{}, errors.AsError(err).AddContext("argument", strconv.Itoa(i))
		}
		stack[i] = raw
	}

	inst := entry.Handle.inst
	inst.mu.Lock()
	results, err := entry.Handle.fn.Call(ctx, stack...)
	inst.mu.Unlock()
	if err != nil {
		return types.Value{}, b.trap(name, inst.name, err)
	}

	if sig.Return.Tag == types.TagVoid {
		return types.VoidValue(), nil
	}
	if len(results) != 1 {
		return types.Value{}, errors.New(errors.FFIExecutionFailed, "wasm function returned no result", nil).
			AddContext("function", name)
	}
	return b.ConvertFromNative(results[0], sig.Return)
}

// trap turns a guest trap or exit into ExecutionFailed
func (b *Bridge) trap(function, module string, err error) error {
	msg, _ := b.HandleException(err, maxFaultMessage)
	e := errors.New(errors.FFIExecutionFailed, msg, err).
		AddContext("function", function).
		AddContext("module", module)

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		e.AddContext("exit_code", strconv.FormatUint(uint64(exit.ExitCode()), 10))
	}
	return b.Fail(e)
}

// HandleException keeps the first line of a wazero trap; the rest is the
// guest stack trace
func (b *Bridge) HandleException(native any, maxLen int) (string, error) {
	msg, err := b.Base.HandleException(native, maxLen)
	if err != nil {
		return "", err
	}
	if first, _, ok := strings.Cut(msg, "\n"); ok {
		msg = first
	}
	return msg, nil
}

// Cleanup closes every guest and the runtime
func (b *Bridge) Cleanup(core *bridge.CoreContext) error {
	if err := b.Base.Cleanup(core); err != nil {
		return err
	}

	b.mu.Lock()
	rt := b.runtime
	b.runtime = nil
	b.modules = make(map[string]*instance)
	b.mu.Unlock()

	if rt != nil {
		if err := rt.Close(context.Background()); err != nil {
			return errors.New(errors.FFIExecutionFailed, "failed to close wasm runtime", err)
		}
	}
	return nil
}
