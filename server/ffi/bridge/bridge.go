package bridge

import (
	"context"

	"github.com/gear6io/polycall/server/ffi/memory"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
)

// LanguageBridge adapts one language runtime to the canonical calling
// convention. Exactly one instance per language is active in a dispatcher.
type LanguageBridge interface {
	// Name is the language name the dispatcher resolves calls by
	Name() string
	Version() string

	// Initialize binds the bridge to a core context. Calling it twice
	// without Cleanup is an InvalidState error.
	Initialize(core *CoreContext) error

	// ConvertToNative turns v into the runtime's representation of dest.
	// v.Tag must equal dest.Tag; no widening happens here.
	ConvertToNative(v types.Value, dest types.Type) (any, error)

	// ConvertFromNative wraps a runtime value of type src as a Value
	ConvertFromNative(src any, srcType types.Type) (types.Value, error)

	RegisterFunction(name string, handle any, sig *types.Signature, flags registry.Flags) error

	// CallFunction invokes a registered function. Converted argument memory
	// is released on every path, including errors.
	CallFunction(ctx context.Context, name string, args []types.Value) (types.Value, error)

	AcquireMemory(ptr uintptr, size int) (memory.Token, error)
	ReleaseMemory(token memory.Token) error

	// HandleException turns a runtime fault into a message of at most
	// maxLen bytes. The fault never escapes past this call.
	HandleException(native any, maxLen int) (string, error)

	// Cleanup releases everything the bridge owns. Valid once per
	// successful Initialize.
	Cleanup(core *CoreContext) error
}

// CallbackRegistrar is implemented by bridges that accept callbacks
type CallbackRegistrar interface {
	RegisterCallback(name string, handle any, sig *types.Signature) error
	InvokeCallback(ctx context.Context, name string, args []types.Value) (types.Value, error)
}

// FunctionInfo describes a registered function for listings
type FunctionInfo struct {
	Name      string
	Signature *types.Signature
	Flags     registry.Flags
}

// FunctionLister is implemented by bridges that can enumerate functions
type FunctionLister interface {
	Functions() []FunctionInfo
}
