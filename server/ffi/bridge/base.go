package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/memory"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
)

// Options bound the per-bridge registries
type Options struct {
	FunctionCapacity int
	CallbackCapacity int
	// MemoryLimit caps concurrently acquired foreign regions, 0 = unbounded
	MemoryLimit int
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateReady
)

// Base carries the state every bridge needs: identity, lifecycle, function
// and callback registries and the memory tracker. Concrete bridges embed it
// and add conversion and invocation. H is the bridge's native handle type.
type Base[H any] struct {
	name    string
	version string

	mu     sync.RWMutex
	state  lifecycle
	core   *CoreContext
	logger zerolog.Logger

	functions *registry.Registry[H]
	callbacks *registry.Registry[H]
	memory    *memory.Tracker
}

func NewBase[H any](name, version string, opts Options) *Base[H] {
	return &Base[H]{
		name:      name,
		version:   version,
		logger:    zerolog.Nop(),
		functions: registry.NewFunctions[H](opts.FunctionCapacity),
		callbacks: registry.NewCallbacks[H](opts.CallbackCapacity),
		memory:    memory.NewTracker(name, opts.MemoryLimit),
	}
}

func (b *Base[H]) Name() string    { return b.name }
func (b *Base[H]) Version() string { return b.version }

func (b *Base[H]) Initialize(core *CoreContext) error {
	if core == nil {
		return errors.New(errors.FFIInvalidParameters, "core context is required", nil).
			AddContext("language", b.name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateReady {
		return errors.New(errors.FFIInvalidState, "bridge already initialized", nil).
			AddContext("language", b.name)
	}
	b.core = core
	b.logger = core.Logger.With().Str("component", "bridge").Str("language", b.name).Logger()
	b.state = stateReady
	b.logger.Debug().Str("version", b.version).Msg("Bridge initialized")
	return nil
}

// Cleanup drops every registration and acquired region. The bridge may be
// initialized again afterwards.
func (b *Base[H]) Cleanup(core *CoreContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateReady {
		return errors.New(errors.FFIInvalidState, "bridge is not initialized", nil).
			AddContext("language", b.name)
	}
	if core != nil && core != b.core {
		return errors.New(errors.FFIInvalidParameters, "cleanup with a foreign core context", nil).
			AddContext("language", b.name).
			AddContext("core_context", core.ID)
	}

	functions := b.functions.Clear()
	callbacks := b.callbacks.Clear()
	leaked := b.memory.ReleaseAll()
	if leaked > 0 {
		b.core.Report(b.name, errors.New(errors.FFIInvalidState, "foreign memory still acquired at cleanup", nil).
			AddContext("regions", strconv.Itoa(leaked)))
	}

	b.logger.Debug().
		Int("functions", functions).
		Int("callbacks", callbacks).
		Int("leaked_regions", leaked).
		Msg("Bridge cleaned up")

	b.state = stateIdle
	b.core = nil
	return nil
}

// Ready returns InvalidState unless the bridge is initialized
func (b *Base[H]) Ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != stateReady {
		return errors.New(errors.FFIInvalidState, "bridge is not initialized", nil).
			AddContext("language", b.name)
	}
	return nil
}

func (b *Base[H]) Core() *CoreContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.core
}

func (b *Base[H]) Logger() zerolog.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logger
}

// Allocator returns the core allocator, or an unbounded one before
// initialization
func (b *Base[H]) Allocator() Allocator {
	if core := b.Core(); core != nil && core.Allocator != nil {
		return core.Allocator
	}
	return NewBudgetAllocator(0)
}

// Fail reports err to the core error sink and returns it
func (b *Base[H]) Fail(err error) error {
	if err == nil {
		return nil
	}
	b.Core().Report(b.name, err)
	return err
}

// Register stores a function handle
func (b *Base[H]) Register(name string, handle H, sig *types.Signature, flags registry.Flags) error {
	if err := b.Ready(); err != nil {
		return err
	}
	if err := b.functions.Register(name, handle, sig, flags); err != nil {
		return b.Fail(errors.AsError(err).AddContext("language", b.name))
	}
	return nil
}

// Unregister removes a function
func (b *Base[H]) Unregister(name string) error {
	if err := b.Ready(); err != nil {
		return err
	}
	return b.functions.Unregister(name)
}

// Lookup resolves a function. Only the registry lock is taken, and only for
// the lookup itself.
func (b *Base[H]) Lookup(name string) (registry.Entry[H], error) {
	if err := b.Ready(); err != nil {
		return registry.Entry[H]{}, err
	}
	entry, err := b.functions.Lookup(name)
	if err != nil {
		return entry, errors.AsError(err).AddContext("language", b.name)
	}
	return entry, nil
}

func (b *Base[H]) RegisterCallbackHandle(name string, handle H, sig *types.Signature) error {
	if err := b.Ready(); err != nil {
		return err
	}
	if err := b.callbacks.Register(name, handle, sig, registry.FlagNone); err != nil {
		return b.Fail(errors.AsError(err).AddContext("language", b.name))
	}
	return nil
}

func (b *Base[H]) LookupCallback(name string) (registry.Entry[H], error) {
	if err := b.Ready(); err != nil {
		return registry.Entry[H]{}, err
	}
	return b.callbacks.Lookup(name)
}

func (b *Base[H]) UnregisterCallback(name string) error {
	if err := b.Ready(); err != nil {
		return err
	}
	return b.callbacks.Unregister(name)
}

func (b *Base[H]) Functions() []FunctionInfo {
	entries := b.functions.Entries()
	out := make([]FunctionInfo, len(entries))
	for i, e := range entries {
		out[i] = FunctionInfo{Name: e.Name, Signature: e.Signature, Flags: e.Flags}
	}
	return out
}

func (b *Base[H]) FunctionCount() int { return b.functions.Count() }
func (b *Base[H]) CallbackCount() int { return b.callbacks.Count() }

func (b *Base[H]) AcquireMemory(ptr uintptr, size int) (memory.Token, error) {
	if err := b.Ready(); err != nil {
		return "", err
	}
	return b.memory.Acquire(ptr, size)
}

func (b *Base[H]) ReleaseMemory(token memory.Token) error {
	if err := b.Ready(); err != nil {
		return err
	}
	if err := b.memory.Release(token); err != nil {
		return b.Fail(err)
	}
	return nil
}

// MemoryOutstanding is the number of acquired regions not yet released
func (b *Base[H]) MemoryOutstanding() int { return b.memory.Outstanding() }

// HandleException renders any runtime fault as a bounded message
func (b *Base[H]) HandleException(native any, maxLen int) (string, error) {
	if maxLen <= 0 {
		return "", errors.New(errors.FFIInvalidParameters, "message buffer length must be positive", nil)
	}
	return TruncateMessage(ExceptionMessage(native), maxLen), nil
}

// CheckConvertible enforces that v can be handed to a runtime expecting
// dest: the payload is consistent and the tags match exactly
func CheckConvertible(v types.Value, dest types.Type) error {
	if err := v.Validate(); err != nil {
		return errors.AsError(err).AddContext("dest", dest.String())
	}
	if !dest.Matches(v.Type()) {
		return errors.New(errors.FFITypeMismatch, "value does not match destination type", nil).
			AddContext("want", dest.String()).
			AddContext("have", v.Type().String())
	}
	return nil
}

// ExceptionMessage extracts a message from a runtime fault of unknown shape
func ExceptionMessage(native any) string {
	switch x := native.(type) {
	case nil:
		return "unknown fault"
	case error:
		return x.Error()
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// TruncateMessage bounds msg to maxLen bytes of valid UTF-8 without cutting
// a rune in half
func TruncateMessage(msg string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	msg = strings.ToValidUTF8(msg, "�")
	if len(msg) <= maxLen {
		return msg
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
