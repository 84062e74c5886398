package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/avcorpus/internal/domain"
)

// StopReason tells why a run ended.
type StopReason string

const (
	StopReasonCompleted StopReason = "completed" // every item is done or dead
	StopReasonHalted    StopReason = "halted"    // disk guard reached halt
	StopReasonCanceled  StopReason = "canceled"  // operator interrupt
	StopReasonFailed    StopReason = "failed"    // progress store error
)

// RunStatus maps the stop reason onto the persisted run status.
func (r StopReason) RunStatus() domain.RunStatus {
	switch r {
	case StopReasonCompleted:
		return domain.RunStatusCompleted
	case StopReasonHalted:
		return domain.RunStatusHalted
	case StopReasonCanceled:
		return domain.RunStatusCanceled
	}
	return domain.RunStatusFailed
}

// RunContext holds the counters of one run. Workers update it concurrently.
type RunContext struct {
	RunID     string
	Host      string
	StartedAt time.Time

	Committed atomic.Int64 // items committed done by this run
	Partial   atomic.Int64 // committed with one extraction path empty
	Retried   atomic.Int64 // attempts routed to failed
	Dead      atomic.Int64 // attempts routed to dead
	Deferred  atomic.Int64 // attempts handed back to pending
	Denied    atomic.Int64 // lease requests denied
	Artifacts atomic.Int64
	Fetched   atomic.Int64 // payload bytes fetched

	mu     sync.Mutex
	stop   StopReason
	intake bool // catalog fully read
	fatal  error
	abort  func()
}

func newRunContext(runID, host string, now time.Time) *RunContext {
	return &RunContext{RunID: runID, Host: host, StartedAt: now}
}

// setStop records the first stop reason; later ones are ignored.
func (rc *RunContext) setStop(reason StopReason) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.stop == "" {
		rc.stop = reason
	}
}

// Stop returns the recorded stop reason, empty while the run is active.
func (rc *RunContext) Stop() StopReason {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stop
}

// fail records a progress store error seen by a worker and stops intake.
func (rc *RunContext) fail(err error) {
	rc.mu.Lock()
	if rc.fatal == nil {
		rc.fatal = err
	}
	abort := rc.abort
	rc.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (rc *RunContext) err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.fatal
}

func (rc *RunContext) setIntakeDone() {
	rc.mu.Lock()
	rc.intake = true
	rc.mu.Unlock()
}

// IntakeDone reports whether the whole catalog was read.
func (rc *RunContext) IntakeDone() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.intake
}

// DeadItem is one line of the failure report.
type DeadItem struct {
	ID          string
	Class       domain.ErrorClass
	Attempts    int
	LastError   string
	LastAttempt *time.Time
}

// RunReport summarizes a finished run.
type RunReport struct {
	RunID       string
	StopReason  StopReason
	Counts      domain.StatusCounts
	Committed   int64
	Artifacts   int64
	Fetched     int64
	SkippedRows int64
	Elapsed     time.Duration
	DeadItems   []DeadItem // capped; DeadTotal has the full count
	DeadTotal   int64
}
