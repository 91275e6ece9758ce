package native

import (
	"sync"
	"sync/atomic"
)

// handleTable maps object handles to the Go values they stand for. Handle 0
// is the null object and is never issued.
type handleTable struct {
	next   atomic.Uint64
	mu     sync.RWMutex
	values map[uint64]any
}

func newHandleTable() *handleTable {
	return &handleTable{values: make(map[uint64]any)}
}

func (h *handleTable) put(v any) uint64 {
	id := h.next.Add(1)
	h.mu.Lock()
	h.values[id] = v
	h.mu.Unlock()
	return id
}

func (h *handleTable) get(id uint64) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[id]
	return v, ok
}

func (h *handleTable) remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[id]; !ok {
		return false
	}
	delete(h.values, id)
	return true
}

func (h *handleTable) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.values)
}

func (h *handleTable) reset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.values)
	h.values = make(map[uint64]any)
	return n
}
