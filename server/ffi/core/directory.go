package core

import (
	"context"
	"sort"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/bridge"
)

type directoryKey struct {
	contextID string
	language  string
}

// Directory maps (core context, language) to the active bridge so that any
// number of dispatchers can be live in one process. Code running inside a
// call finds its own context id through CallInfoFrom.
type Directory struct {
	mu      sync.RWMutex
	entries map[directoryKey]bridge.LanguageBridge
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[directoryKey]bridge.LanguageBridge)}
}

func (d *Directory) Bind(contextID, language string, b bridge.LanguageBridge) error {
	if contextID == "" || language == "" || b == nil {
		return errors.New(errors.FFIInvalidParameters, "context id, language and bridge are required", nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := directoryKey{contextID, language}
	if _, exists := d.entries[key]; exists {
		return errors.New(errors.FFIAlreadyExists, "bridge already bound", nil).
			AddContext("core_context", contextID).
			AddContext("language", language)
	}
	d.entries[key] = b
	return nil
}

func (d *Directory) Resolve(contextID, language string) (bridge.LanguageBridge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if b, ok := d.entries[directoryKey{contextID, language}]; ok {
		return b, nil
	}
	return nil, errors.New(errors.FFINotFound, "no bridge bound", nil).
		AddContext("core_context", contextID).
		AddContext("language", language)
}

func (d *Directory) Unbind(contextID, language string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := directoryKey{contextID, language}
	if _, ok := d.entries[key]; !ok {
		return errors.New(errors.FFINotFound, "no bridge bound", nil).
			AddContext("core_context", contextID).
			AddContext("language", language)
	}
	delete(d.entries, key)
	return nil
}

// UnbindContext drops every binding of contextID and returns how many
func (d *Directory) UnbindContext(contextID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for key := range d.entries {
		if key.contextID == contextID {
			delete(d.entries, key)
			n++
		}
	}
	return n
}

// Contexts lists context ids with at least one binding
func (d *Directory) Contexts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range d.entries {
		seen[key.contextID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CallInfo describes the call a piece of native code is running in
type CallInfo struct {
	ContextID string
	Language  string
	Function  string
}

type callInfoKey struct{}

func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
