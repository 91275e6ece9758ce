package memory

import (
	"strconv"
	"sync"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/utils"
)

// Token identifies one acquire of foreign memory. The exact token must be
// handed back to Release.
type Token string

// Region is a foreign memory range made visible to a bridge. Ownership stays
// with the foreign runtime.
type Region struct {
	Ptr   uintptr
	Size  int
	Owner string
}

// Tracker records which foreign regions a bridge may currently touch.
// Every Acquire must be matched by exactly one Release; repeated or unknown
// releases are rejected rather than ignored.
type Tracker struct {
	mu       sync.Mutex
	owner    string
	live     map[Token]Region
	released map[Token]struct{}
	history  []Token // release order, bounds released
	limit    int
}

// releaseHistory bounds how many released tokens are remembered for double
// release reporting. Older ones fall back to the unknown token error, which
// carries the same code.
const releaseHistory = 4096

// NewTracker creates a tracker for owner. limit caps concurrent acquires;
// 0 means unbounded.
func NewTracker(owner string, limit int) *Tracker {
	return &Tracker{
		owner:    owner,
		live:     make(map[Token]Region),
		released: make(map[Token]struct{}),
		limit:    limit,
	}
}

// Acquire registers [ptr, ptr+size) and returns its token
func (t *Tracker) Acquire(ptr uintptr, size int) (Token, error) {
	if ptr == 0 {
		return "", errors.New(errors.FFIInvalidParameters, "cannot acquire a null pointer", nil).
			AddContext("owner", t.owner)
	}
	if size < 0 {
		return "", errors.New(errors.FFIInvalidParameters, "negative region size", nil).
			AddContext("owner", t.owner).
			AddContext("size", strconv.Itoa(size))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && len(t.live) >= t.limit {
		return "", errors.New(errors.FFIOutOfMemory, "too many acquired regions", nil).
			AddContext("owner", t.owner).
			AddContext("limit", strconv.Itoa(t.limit))
	}

	token := Token("mem_" + utils.NewULIDString())
	t.live[token] = Region{Ptr: ptr, Size: size, Owner: t.owner}
	return token, nil
}

// Release ends visibility of the region behind token
func (t *Tracker) Release(token Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[token]; ok {
		delete(t.live, token)
		t.remember(token)
		return nil
	}

	if _, done := t.released[token]; done {
		return errors.New(errors.FFIInvalidState, "double release of foreign memory", nil).
			AddContext("owner", t.owner).
			AddContext("token", string(token))
	}
	return errors.New(errors.FFIInvalidState, "release of unknown memory token", nil).
		AddContext("owner", t.owner).
		AddContext("token", string(token))
}

// Lookup returns the region for a live token
func (t *Tracker) Lookup(token Token) (Region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.live[token]; ok {
		return r, nil
	}
	return Region{}, errors.New(errors.FFINotFound, "memory token is not live", nil).
		AddContext("owner", t.owner).
		AddContext("token", string(token))
}

// Contains reports whether [ptr, ptr+size) lies inside one live region
func (t *Tracker) Contains(ptr uintptr, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.live {
		if ptr >= r.Ptr && ptr+uintptr(size) <= r.Ptr+uintptr(r.Size) {
			return true
		}
	}
	return false
}

// Outstanding is the number of acquires not yet released
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// ReleaseAll drops every live region and returns how many there were. Bridges
// call it on cleanup so a later release of an old token reports a double
// release.
func (t *Tracker) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.live)
	for token := range t.live {
		t.remember(token)
	}
	t.live = make(map[Token]Region)
	return n
}

func (t *Tracker) remember(token Token) {
	if len(t.history) >= releaseHistory {
		delete(t.released, t.history[0])
		t.history = t.history[1:]
	}
	t.history = append(t.history, token)
	t.released[token] = struct{}{}
}
