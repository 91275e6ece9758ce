package types

import (
	"sort"
	"strconv"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
)

// TypeRegistry holds composite types per owning language. The same logical
// name may be registered independently by every language.
//
// Types are not reference counted: the caller must not unregister a type
// that a live signature still refers to.
type TypeRegistry struct {
	mu      sync.RWMutex
	byLang  map[string]map[string]*TypeInfo
	perLang int
}

// NewTypeRegistry creates a registry. limit bounds the number of types one
// language may own; 0 means unbounded.
func NewTypeRegistry(limit int) *TypeRegistry {
	return &TypeRegistry{
		byLang:  make(map[string]map[string]*TypeInfo),
		perLang: limit,
	}
}

// Register stores info under language. A duplicate (language, name) pair
// returns AlreadyExists and leaves the registry unchanged; exhausting the
// per-language budget returns OutOfMemory.
func (r *TypeRegistry) Register(info *TypeInfo, language string) error {
	if language == "" {
		return errors.New(errors.FFIInvalidParameters, "owning language is required", nil)
	}
	if err := info.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	types, ok := r.byLang[language]
	if !ok {
		types = make(map[string]*TypeInfo)
		r.byLang[language] = types
	}

	if _, exists := types[info.Name]; exists {
		return errors.New(errors.FFIAlreadyExists, "type already registered", nil).
			AddContext("language", language).
			AddContext("type", info.Name)
	}
	if r.perLang > 0 && len(types) >= r.perLang {
		return errors.New(errors.FFIOutOfMemory, "type registry budget exhausted", nil).
			AddContext("language", language).
			AddContext("limit", strconv.Itoa(r.perLang))
	}

	types[info.Name] = info
	return nil
}

func (r *TypeRegistry) Lookup(language, name string) (*TypeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.byLang[language][name]; ok {
		return info, nil
	}
	return nil, errors.New(errors.FFINotFound, "type not registered", nil).
		AddContext("language", language).
		AddContext("type", name)
}

func (r *TypeRegistry) Unregister(language, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := r.byLang[language]
	if _, ok := types[name]; !ok {
		return errors.New(errors.FFINotFound, "type not registered", nil).
			AddContext("language", language).
			AddContext("type", name)
	}
	delete(types, name)
	if len(types) == 0 {
		delete(r.byLang, language)
	}
	return nil
}

// DropLanguage forgets every type owned by language. Used at bridge cleanup.
func (r *TypeRegistry) DropLanguage(language string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byLang[language])
	delete(r.byLang, language)
	return n
}

func (r *TypeRegistry) Count(language string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLang[language])
}

// Names lists the type names of language in sorted order
func (r *TypeRegistry) Names(language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byLang[language]))
	for name := range r.byLang[language] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
