package core

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
)

// ComponentType identifies the dispatcher in logs and shutdown ordering
const ComponentType = "dispatcher"

// maxFaultMessage bounds messages produced from recovered bridge panics
const maxFaultMessage = 512

// Dispatcher resolves (language, function) to a bridge and invokes it. It
// holds its own lock only while resolving the bridge, never during the call,
// so a native function may call back into the dispatcher.
type Dispatcher struct {
	mu        sync.RWMutex
	core      *bridge.CoreContext
	bridges   map[string]bridge.LanguageBridge
	directory *Directory
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher borrowing core. dir may be nil.
func NewDispatcher(core *bridge.CoreContext, dir *Directory) *Dispatcher {
	return &Dispatcher{
		core:      core,
		bridges:   make(map[string]bridge.LanguageBridge),
		directory: dir,
		logger:    core.Logger.With().Str("component", ComponentType).Logger(),
	}
}

func (d *Dispatcher) Core() *bridge.CoreContext { return d.core }

func (d *Dispatcher) GetType() string { return ComponentType }

// RegisterBridge initializes b and makes it resolvable under b.Name(). A
// second bridge for the same language gets AlreadyExists and is not touched.
func (d *Dispatcher) RegisterBridge(b bridge.LanguageBridge) error {
	if b == nil || b.Name() == "" {
		return errors.New(errors.FFIInvalidParameters, "bridge must have a language name", nil)
	}
	name := b.Name()

	if d.has(name) {
		return errors.New(errors.FFIAlreadyExists, "bridge already registered for language", nil).
			AddContext("language", name)
	}

	if err := b.Initialize(d.core); err != nil {
		d.core.Report(name, err)
		return errors.New(errors.FFIInitializationFailed, "bridge initialization failed", err).
			AddContext("language", name)
	}

	d.mu.Lock()
	if _, exists := d.bridges[name]; exists {
		d.mu.Unlock()
		// lost a registration race; undo our initialize
		if err := b.Cleanup(d.core); err != nil {
			d.logger.Warn().Err(err).Str("language", name).Msg("Cleanup after lost registration race failed")
		}
		return errors.New(errors.FFIAlreadyExists, "bridge already registered for language", nil).
			AddContext("language", name)
	}
	d.bridges[name] = b
	d.mu.Unlock()

	if d.directory != nil {
		if err := d.directory.Bind(d.core.ID, name, b); err != nil {
			d.logger.Warn().Err(err).Str("language", name).Msg("Directory bind failed")
		}
	}

	d.logger.Info().Str("language", name).Str("version", b.Version()).Msg("Bridge registered")
	return nil
}

// UnregisterBridge forgets the bridge and runs its cleanup
func (d *Dispatcher) UnregisterBridge(name string) error {
	d.mu.Lock()
	b, ok := d.bridges[name]
	delete(d.bridges, name)
	d.mu.Unlock()

	if !ok {
		return errors.New(errors.FFINotFound, "no bridge registered for language", nil).
			AddContext("language", name)
	}

	if d.directory != nil {
		_ = d.directory.Unbind(d.core.ID, name)
	}

	if err := b.Cleanup(d.core); err != nil {
		d.core.Report(name, err)
		return errors.AsError(err).AddContext("language", name)
	}
	d.logger.Info().Str("language", name).Msg("Bridge unregistered")
	return nil
}

func (d *Dispatcher) has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.bridges[name]
	return ok
}

// Bridge resolves a language. Unknown languages are InvalidState: the caller
// used the dispatcher before wiring the bridge.
func (d *Dispatcher) Bridge(language string) (bridge.LanguageBridge, error) {
	d.mu.RLock()
	b, ok := d.bridges[language]
	d.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.FFIInvalidState, "no bridge registered for language", nil).
			AddContext("language", language)
	}
	return b, nil
}

// Languages lists registered languages in sorted order
func (d *Dispatcher) Languages() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.bridges))
	for name := range d.bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes function on the language's bridge
func (d *Dispatcher) Call(ctx context.Context, language, function string, args []types.Value) (result types.Value, err error) {
	b, err := d.Bridge(language)
	if err != nil {
		return types.Value{}, err
	}

	ctx = WithCallInfo(ctx, CallInfo{ContextID: d.core.ID, Language: language, Function: function})

	defer func() {
		if r := recover(); r != nil {
			msg, _ := b.HandleException(r, maxFaultMessage)
			err = errors.New(errors.FFIExecutionFailed, msg, nil).
				AddContext("language", language).
				AddContext("function", function).
				AddContext("panic", "true")
			d.core.Report(language, err)
			result = types.Value{}
		}
	}()

	result, err = b.CallFunction(ctx, function, args)
	if err != nil {
		e := errors.AsError(err)
		if _, ok := e.Context["function"]; !ok {
			e.AddContext("function", function)
		}
		if _, ok := e.Context["language"]; !ok {
			e.AddContext("language", language)
		}
		d.logger.Debug().Str("language", language).Str("function", function).
			Str("code", e.Code.String()).Msg("Call failed")
		return types.Value{}, e
	}
	return result, nil
}

// Functions lists registered functions of every bridge that can enumerate
// them
func (d *Dispatcher) Functions() map[string][]bridge.FunctionInfo {
	d.mu.RLock()
	bridges := make(map[string]bridge.LanguageBridge, len(d.bridges))
	for name, b := range d.bridges {
		bridges[name] = b
	}
	d.mu.RUnlock()

	out := make(map[string][]bridge.FunctionInfo, len(bridges))
	for name, b := range bridges {
		if lister, ok := b.(bridge.FunctionLister); ok {
			out[name] = lister.Functions()
		}
	}
	return out
}

// Shutdown cleans up every bridge. All bridges are attempted; failures are
// joined.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	bridges := d.bridges
	d.bridges = make(map[string]bridge.LanguageBridge)
	d.mu.Unlock()

	names := make([]string, 0, len(bridges))
	for name := range bridges {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			errs = append(errs, errors.New(errors.FFITimeout, "shutdown interrupted", ctx.Err()).AddContext("language", name))
			continue
		}
		if err := bridges[name].Cleanup(d.core); err != nil {
			d.logger.Error().Err(err).Str("language", name).Msg("Bridge cleanup failed")
			errs = append(errs, errors.AsError(err).AddContext("language", name))
		}
	}

	if d.directory != nil {
		d.directory.UnbindContext(d.core.ID)
	}

	if len(errs) > 0 {
		return errors.New(ErrShutdownFailed, "dispatcher shutdown incomplete", stderrors.Join(errs...))
	}
	d.logger.Info().Int("bridges", len(names)).Msg("Dispatcher shut down")
	return nil
}
