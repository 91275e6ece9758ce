package bridge

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/utils"
	"github.com/rs/zerolog"
)

// CoreContext is what the core borrows from its owner: allocator, error sink
// and opaque user data. The core never owns any of them.
type CoreContext struct {
	ID        string
	Allocator Allocator
	Errors    ErrorSink
	Logger    zerolog.Logger
	UserData  any
}

// NewCoreContext builds a context with an unbounded allocator and a sink
// that logs through logger
func NewCoreContext(logger zerolog.Logger) *CoreContext {
	id := utils.NewContextID()
	logger = logger.With().Str("core_context", id).Logger()
	return &CoreContext{
		ID:        id,
		Allocator: NewBudgetAllocator(0),
		Errors:    NewLogSink(logger),
		Logger:    logger,
	}
}

// Report forwards err to the error sink. Nil errors are ignored.
func (c *CoreContext) Report(source string, err error) {
	if c == nil || c.Errors == nil || err == nil {
		return
	}
	c.Errors.Report(ReportFor(source, err))
}

// Allocator hands out scratch buffers for conversions. Every buffer must be
// returned through Free.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(buf []byte)
	// Outstanding is the number of bytes allocated and not yet freed
	Outstanding() int64
}

// BudgetAllocator is an Allocator with an optional byte budget
type BudgetAllocator struct {
	limit int64
	used  atomic.Int64
	live  atomic.Int64
}

// NewBudgetAllocator creates an allocator; limit 0 disables the budget
func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return &BudgetAllocator{limit: limit}
}

func (a *BudgetAllocator) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New(errors.FFIInvalidParameters, "negative allocation size", nil)
	}
	if used := a.used.Add(int64(n)); a.limit > 0 && used > a.limit {
		a.used.Add(-int64(n))
		return nil, errors.New(errors.FFIOutOfMemory, "allocation exceeds budget", nil).
			AddContext("requested", strconv.Itoa(n)).
			AddContext("limit", strconv.FormatInt(a.limit, 10))
	}
	a.live.Add(1)
	return make([]byte, n), nil
}

// Free returns buf to the budget. Its capacity must not have been changed.
func (a *BudgetAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
	a.used.Add(-int64(cap(buf)))
	a.live.Add(-1)
}

func (a *BudgetAllocator) Outstanding() int64 { return a.used.Load() }

// Live is the number of buffers not yet freed
func (a *BudgetAllocator) Live() int64 { return a.live.Load() }

// Report is one structured entry for the error sink
type Report struct {
	Source   string
	Code     errors.Code
	Severity errors.Severity
	Message  string
	Time     time.Time
}

// ReportFor derives a report from err; foreign errors become
// common.internal
func ReportFor(source string, err error) Report {
	e := errors.AsError(err)
	return Report{
		Source:   source,
		Code:     e.Code,
		Severity: e.Severity(),
		Message:  e.Error(),
		Time:     time.Now(),
	}
}

type ErrorSink interface {
	Report(r Report)
}

// LogSink writes reports through zerolog at the level matching severity
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "error_sink").Logger()}
}

func (s *LogSink) Report(r Report) {
	var ev *zerolog.Event
	switch r.Severity {
	case errors.SeverityInfo:
		ev = s.logger.Info()
	case errors.SeverityWarning:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Error()
	}
	ev.Str("source", r.Source).
		Str("code", r.Code.String()).
		Str("severity", r.Severity.String()).
		Msg(r.Message)
}

// RecordingSink keeps reports in memory
type RecordingSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *RecordingSink) Report(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *RecordingSink) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// Count returns how many reports carry code
func (s *RecordingSink) Count(code errors.Code) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.reports {
		if r.Code.Equals(code) {
			n++
		}
	}
	return n
}
