package memory

import (
	"sync"
	"testing"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	tr := NewTracker("wasm", 0)

	token, err := tr.Acquire(0x1000, 64)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 1, tr.Outstanding())

	region, err := tr.Lookup(token)
	require.NoError(t, err)
	assert.Equal(t, Region{Ptr: 0x1000, Size: 64, Owner: "wasm"}, region)

	assert.True(t, tr.Contains(0x1010, 16))
	assert.False(t, tr.Contains(0x1030, 32))

	require.NoError(t, tr.Release(token))
	assert.Equal(t, 0, tr.Outstanding())
}

func TestDoubleReleaseDetected(t *testing.T) {
	tr := NewTracker("go", 0)
	token, err := tr.Acquire(0x2000, 8)
	require.NoError(t, err)
	require.NoError(t, tr.Release(token))

	err = tr.Release(token)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
	assert.Contains(t, err.Error(), "double release")

	err = tr.Release(Token("mem_bogus"))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
	assert.Contains(t, err.Error(), "unknown")

	_, err = tr.Lookup(token)
	assert.True(t, errors.HasCode(err, errors.FFINotFound))
}

func TestSamePointerGetsDistinctTokens(t *testing.T) {
	tr := NewTracker("go", 0)
	a, err := tr.Acquire(0x3000, 4)
	require.NoError(t, err)
	b, err := tr.Acquire(0x3000, 4)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, tr.Release(a))
	assert.Equal(t, 1, tr.Outstanding())
	require.NoError(t, tr.Release(b))
}

func TestAcquireValidation(t *testing.T) {
	tr := NewTracker("go", 1)

	_, err := tr.Acquire(0, 4)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))

	_, err = tr.Acquire(0x10, -1)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))

	_, err = tr.Acquire(0x10, 1)
	require.NoError(t, err)
	_, err = tr.Acquire(0x20, 1)
	assert.True(t, errors.HasCode(err, errors.FFIOutOfMemory))
}

func TestReleaseAll(t *testing.T) {
	tr := NewTracker("go", 0)
	token, err := tr.Acquire(0x10, 1)
	require.NoError(t, err)
	_, err = tr.Acquire(0x20, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.ReleaseAll())
	assert.Equal(t, 0, tr.Outstanding())
	assert.Contains(t, tr.Release(token).Error(), "double release")
}

func TestConcurrentAcquireRelease(t *testing.T) {
	tr := NewTracker("go", 0)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := tr.Acquire(uintptr(0x1000+i*16), 16)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, tr.Release(token))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tr.Outstanding())
}
