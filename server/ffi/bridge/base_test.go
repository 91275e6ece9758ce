package bridge

import (
	stderrors "errors"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCore() (*CoreContext, *RecordingSink) {
	core := NewCoreContext(zerolog.Nop())
	sink := &RecordingSink{}
	core.Errors = sink
	return core, sink
}

func TestBaseLifecycle(t *testing.T) {
	core, _ := newTestCore()
	b := NewBase[string]("lua", "5.4", Options{})

	assert.Equal(t, "lua", b.Name())
	assert.Equal(t, "5.4", b.Version())
	assert.True(t, errors.HasCode(b.Ready(), errors.FFIInvalidState))
	assert.True(t, errors.HasCode(b.Cleanup(core), errors.FFIInvalidState))
	assert.True(t, errors.HasCode(b.Initialize(nil), errors.FFIInvalidParameters))

	require.NoError(t, b.Initialize(core))
	assert.Same(t, core, b.Core())
	assert.True(t, errors.HasCode(b.Initialize(core), errors.FFIInvalidState))

	other, _ := newTestCore()
	assert.True(t, errors.HasCode(b.Cleanup(other), errors.FFIInvalidParameters))

	require.NoError(t, b.Cleanup(core))
	assert.Nil(t, b.Core())

	// explicit cleanup allows a fresh initialize
	require.NoError(t, b.Initialize(other))
}

func TestBaseRegistrationRequiresInitialize(t *testing.T) {
	b := NewBase[string]("lua", "5.4", Options{})
	err := b.Register("f", "h", types.SignatureOf(types.TagVoid), registry.FlagNone)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))

	_, err = b.Lookup("f")
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))

	_, err = b.AcquireMemory(0x10, 1)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
}

func TestBaseRegisterReportsToSink(t *testing.T) {
	core, sink := newTestCore()
	b := NewBase[string]("lua", "5.4", Options{FunctionCapacity: 1})
	require.NoError(t, b.Initialize(core))

	sig := types.SignatureOf(types.TagInt32, types.TagInt32)
	require.NoError(t, b.Register("f", "h1", sig, registry.FlagNone))

	err := b.Register("f", "h2", sig, registry.FlagNone)
	assert.True(t, errors.HasCode(err, errors.FFIAlreadyExists))
	assert.Equal(t, "lua", errors.GetContext(err)["language"])

	err = b.Register("g", "h3", sig, registry.FlagNone)
	assert.True(t, errors.HasCode(err, errors.FFICapacityExceeded))

	assert.Equal(t, 1, sink.Count(errors.FFIAlreadyExists))
	assert.Equal(t, 1, sink.Count(errors.FFICapacityExceeded))
	reports := sink.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, errors.SeverityWarning, reports[0].Severity)
	assert.Equal(t, "lua", reports[0].Source)

	entry, err := b.Lookup("f")
	require.NoError(t, err)
	assert.Equal(t, "h1", entry.Handle)
	assert.Equal(t, 1, b.FunctionCount())

	infos := b.Functions()
	require.Len(t, infos, 1)
	assert.Equal(t, "f", infos[0].Name)
}

func TestBaseCleanupReleasesEverything(t *testing.T) {
	core, sink := newTestCore()
	b := NewBase[int]("go", "1", Options{})
	require.NoError(t, b.Initialize(core))

	sig := types.SignatureOf(types.TagVoid)
	require.NoError(t, b.Register("f", 1, sig, registry.FlagNone))
	require.NoError(t, b.RegisterCallbackHandle("cb", 2, sig))
	token, err := b.AcquireMemory(0x1000, 8)
	require.NoError(t, err)

	require.NoError(t, b.Cleanup(core))
	assert.Equal(t, 0, b.FunctionCount())
	assert.Equal(t, 0, b.CallbackCount())
	assert.Equal(t, 0, b.MemoryOutstanding())
	assert.Equal(t, 1, sink.Count(errors.FFIInvalidState), "leaked region is reported")

	require.NoError(t, b.Initialize(core))
	err = b.ReleaseMemory(token)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidState))
}

func TestBaseCallbacks(t *testing.T) {
	core, _ := newTestCore()
	b := NewBase[int]("go", "1", Options{})
	require.NoError(t, b.Initialize(core))

	sig := types.SignatureOf(types.TagVoid, types.TagInt32)
	require.NoError(t, b.RegisterCallbackHandle("cb", 7, sig))

	entry, err := b.LookupCallback("cb")
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Handle)

	require.NoError(t, b.UnregisterCallback("cb"))
	_, err = b.LookupCallback("cb")
	assert.True(t, errors.HasCode(err, errors.FFINotFound))
}

func TestHandleException(t *testing.T) {
	b := NewBase[int]("go", "1", Options{})

	msg, err := b.HandleException(stderrors.New("division by zero"), 8)
	require.NoError(t, err)
	assert.Equal(t, "division", msg)

	msg, err = b.HandleException(nil, 64)
	require.NoError(t, err)
	assert.Equal(t, "unknown fault", msg)

	msg, err = b.HandleException(42, 64)
	require.NoError(t, err)
	assert.Equal(t, "42", msg)

	_, err = b.HandleException("x", 0)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))
}

func TestTruncateMessageKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "héllo", TruncateMessage("héllo", 10))
	// "é" is two bytes starting at index 1; cutting at 2 would split it
	assert.Equal(t, "h", TruncateMessage("héllo", 2))
	assert.Equal(t, "", TruncateMessage("héllo", 0))

	out := TruncateMessage("ok\xffbad", 5)
	assert.True(t, utf8.ValidString(out))
}

func TestCheckConvertible(t *testing.T) {
	assert.NoError(t, CheckConvertible(types.Int32(1), types.Of(types.TagInt32)))

	err := CheckConvertible(types.Int16(1), types.Of(types.TagInt32))
	assert.True(t, errors.HasCode(err, errors.FFITypeMismatch))

	err = CheckConvertible(types.Value{Tag: types.TagCallback}, types.Of(types.TagCallback))
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))
}

func TestBudgetAllocator(t *testing.T) {
	a := NewBudgetAllocator(16)

	buf, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Len(t, buf, 10)
	assert.Equal(t, int64(10), a.Outstanding())

	_, err = a.Alloc(7)
	assert.True(t, errors.HasCode(err, errors.FFIOutOfMemory))
	assert.Equal(t, int64(10), a.Outstanding(), "failed alloc must not leak budget")

	a.Free(buf)
	assert.Equal(t, int64(0), a.Outstanding())
	assert.Equal(t, int64(0), a.Live())

	_, err = a.Alloc(-1)
	assert.True(t, errors.HasCode(err, errors.FFIInvalidParameters))
}

func TestBudgetAllocatorConcurrent(t *testing.T) {
	a := NewBudgetAllocator(0)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := a.Alloc(64)
			if assert.NoError(t, err) {
				a.Free(buf)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), a.Outstanding())
}

func TestReportForForeignError(t *testing.T) {
	r := ReportFor("wasm", stderrors.New("raw"))
	assert.Equal(t, "common.internal", r.Code.String())
	assert.Equal(t, errors.SeverityError, r.Severity)
	assert.Equal(t, "raw", r.Message)

	var core *CoreContext
	core.Report("x", stderrors.New("ignored")) // nil context is a no-op
}
