package bridge

import (
	"sort"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
)

// RemoteFunction is a function callable on a peer through /function/{name}.
// Endpoint is optional; without it the routing table picks the peer.
type RemoteFunction struct {
	Name      string           `json:"name" yaml:"name"`
	Language  string           `json:"language" yaml:"language"`
	Signature *types.Signature `json:"signature" yaml:"signature"`
	Endpoint  string           `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// RemoteRegistry is the table of remote registrations. It is separate from
// the local dispatcher registries and from the routing table.
type RemoteRegistry struct {
	mu        sync.RWMutex
	functions map[string]RemoteFunction
}

func NewRemoteRegistry() *RemoteRegistry {
	return &RemoteRegistry{functions: make(map[string]RemoteFunction)}
}

func (r *RemoteRegistry) Register(fn RemoteFunction) error {
	if fn.Name == "" || fn.Language == "" {
		return errors.New(errors.FFIInvalidParameters, "remote function requires a name and a language", nil)
	}
	if fn.Signature == nil {
		return errors.New(errors.FFIInvalidParameters, "remote function requires a signature", nil).
			AddContext("function", fn.Name)
	}
	fn.Signature = fn.Signature.Freeze()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[fn.Name]; exists {
		return errors.New(errors.FFIAlreadyExists, "remote function already registered", nil).
			AddContext("function", fn.Name)
	}
	r.functions[fn.Name] = fn
	return nil
}

func (r *RemoteRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.functions[name]; !ok {
		return errors.New(errors.FFINotFound, "remote function not registered", nil).
			AddContext("function", name)
	}
	delete(r.functions, name)
	return nil
}

func (r *RemoteRegistry) Lookup(name string) (RemoteFunction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.functions[name]
	if !ok {
		return RemoteFunction{}, errors.New(errors.FFINotFound, "remote function not registered", nil).
			AddContext("function", name)
	}
	return fn, nil
}

// List returns registrations sorted by name
func (r *RemoteRegistry) List() []RemoteFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RemoteFunction, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *RemoteRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}
