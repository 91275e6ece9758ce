package registry

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
)

const (
	DefaultFunctionCapacity = 256
	DefaultCallbackCapacity = 64
)

// Flags qualify a registered function
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagVariadic accepts arguments past the declared parameters
	FlagVariadic Flags = 1 << 0
	// FlagThreadSafe allows concurrent invocations even on serialized bridges
	FlagThreadSafe Flags = 1 << 1
	// FlagOwnsResult marks results the caller must release
	FlagOwnsResult Flags = 1 << 2
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	if f.Has(FlagVariadic) {
		parts = append(parts, "variadic")
	}
	if f.Has(FlagThreadSafe) {
		parts = append(parts, "thread_safe")
	}
	if f.Has(FlagOwnsResult) {
		parts = append(parts, "owns_result")
	}
	return strings.Join(parts, "|")
}

// Entry is one registered function or callback
type Entry[H any] struct {
	Name      string
	Handle    H
	Signature *types.Signature
	Flags     Flags
}

// Registry is a bounded name -> entry table guarded by a single mutex.
// Entries live in a dense slice indexed by name; removal swaps the last
// entry into the hole, so Names reflects insertion order until the first
// removal.
type Registry[H any] struct {
	mu       sync.RWMutex
	kind     string
	entries  []Entry[H]
	index    map[string]int
	capacity int
}

// New creates a registry holding at most capacity entries. kind names the
// registry in error context ("function", "callback").
func New[H any](kind string, capacity int) *Registry[H] {
	if capacity <= 0 {
		capacity = DefaultFunctionCapacity
	}
	return &Registry[H]{
		kind:     kind,
		entries:  make([]Entry[H], 0, min(capacity, 16)),
		index:    make(map[string]int),
		capacity: capacity,
	}
}

// Register adds an entry. The signature is frozen on the way in. A duplicate
// name yields AlreadyExists and a full registry CapacityExceeded; in both
// cases the registry is unchanged.
func (r *Registry[H]) Register(name string, handle H, sig *types.Signature, flags Flags) error {
	if name == "" {
		return errors.New(errors.FFIInvalidParameters, r.kind+" name is required", nil)
	}
	if sig == nil {
		return errors.New(errors.FFIInvalidParameters, r.kind+" signature is required", nil).
			AddContext("name", name)
	}
	frozen := sig.Freeze()
	if flags.Has(FlagVariadic) && !frozen.Variadic {
		c := frozen.Clone()
		c.Variadic = true
		frozen = c.Freeze()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[name]; exists {
		return errors.New(errors.FFIAlreadyExists, r.kind+" already registered", nil).
			AddContext("name", name)
	}
	if len(r.entries) >= r.capacity {
		return errors.New(errors.FFICapacityExceeded, r.kind+" registry is full", nil).
			AddContext("name", name).
			AddContext("capacity", strconv.Itoa(r.capacity))
	}

	r.index[name] = len(r.entries)
	r.entries = append(r.entries, Entry[H]{Name: name, Handle: handle, Signature: frozen, Flags: flags})
	return nil
}

// Lookup returns a copy of the named entry. The lock is released before the
// caller does anything with it.
func (r *Registry[H]) Lookup(name string) (Entry[H], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.index[name]; ok {
		return r.entries[i], nil
	}
	return Entry[H]{}, errors.New(errors.FFINotFound, r.kind+" not registered", nil).
		AddContext("name", name)
}

func (r *Registry[H]) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

// Unregister removes an entry by swapping the last one into its slot
func (r *Registry[H]) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return errors.New(errors.FFINotFound, r.kind+" not registered", nil).
			AddContext("name", name)
	}

	last := len(r.entries) - 1
	if i != last {
		r.entries[i] = r.entries[last]
		r.index[r.entries[i].Name] = i
	}
	var zero Entry[H]
	r.entries[last] = zero
	r.entries = r.entries[:last]
	delete(r.index, name)
	return nil
}

// Names lists entry names in slot order
func (r *Registry[H]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns a snapshot of all entries in slot order
func (r *Registry[H]) Entries() []Entry[H] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry[H](nil), r.entries...)
}

func (r *Registry[H]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry[H]) Capacity() int {
	return r.capacity
}

// Clear drops every entry and returns how many were removed
func (r *Registry[H]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	clear(r.entries)
	r.entries = r.entries[:0]
	r.index = make(map[string]int)
	return n
}

// NewFunctions creates a function registry; capacity <= 0 selects
// DefaultFunctionCapacity
func NewFunctions[H any](capacity int) *Registry[H] {
	return New[H]("function", capacity)
}

// NewCallbacks creates a callback registry; capacity <= 0 selects
// DefaultCallbackCapacity
func NewCallbacks[H any](capacity int) *Registry[H] {
	if capacity <= 0 {
		capacity = DefaultCallbackCapacity
	}
	return New[H]("callback", capacity)
}
