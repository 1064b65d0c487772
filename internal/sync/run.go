package sync

import (
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"
)

// Mode selects what a sync run does.
type Mode int

const (
	// ModeIncremental lists messages changed since the newest
	// last_indexed in the store.
	ModeIncremental Mode = iota
	// ModeFull lists every message and then reconciles deletions.
	ModeFull
	// ModeSingle fetches exactly one message id.
	ModeSingle
	// ModeDeletionOnly only reconciles deletions.
	ModeDeletionOnly
)

func (m Mode) String() string {
	switch m {
	case ModeIncremental:
		return "incremental"
	case ModeFull:
		return "full"
	case ModeSingle:
		return "single-message"
	case ModeDeletionOnly:
		return "deletion-only"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// State is a step of a sync run.
type State int

const (
	StateIdle State = iota
	StateListing
	StateFetching
	StateReconciling
	StateSummarizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateFetching:
		return "fetching"
	case StateReconciling:
		return "reconciling"
	case StateSummarizing:
		return "summarizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the result of processing one message id.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	// OutcomeSkipped means the message vanished from the remote between
	// listing and fetching.
	OutcomeSkipped
	// OutcomeFailed means fetching kept failing until retries ran out.
	OutcomeFailed
	// OutcomeStoreFailed means the fetch succeeded but the write did not.
	OutcomeStoreFailed
	// OutcomeCancelled means shutdown stopped the id before it finished.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeStoreFailed:
		return "store-failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Counts is a snapshot of a run's per-outcome counters.
type Counts struct {
	// Queued is the number of distinct ids handed to the scheduler.
	Queued      int
	Created     int
	Updated     int
	Skipped     int
	Failed      int
	StoreFailed int
	Cancelled   int
}

// Fetched is the number of ids whose fetch succeeded.
func (c Counts) Fetched() int {
	return c.Created + c.Updated + c.StoreFailed
}

// Processed is the number of ids that reached a final outcome.
func (c Counts) Processed() int {
	return c.Created + c.Updated + c.Skipped + c.Failed + c.StoreFailed + c.Cancelled
}

// Tally aggregates outcomes from concurrent workers. It is owned by one run.
type Tally struct {
	queued      atomic.Int64
	created     atomic.Int64
	updated     atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
	storeFailed atomic.Int64
	cancelled   atomic.Int64

	mu             gosync.Mutex
	failedIDs      []string
	storeFailedIDs []string
}

func (t *Tally) queue() { t.queued.Add(1) }

// Record counts one outcome for id.
func (t *Tally) Record(id string, o Outcome) {
	switch o {
	case OutcomeCreated:
		t.created.Add(1)
	case OutcomeUpdated:
		t.updated.Add(1)
	case OutcomeSkipped:
		t.skipped.Add(1)
	case OutcomeFailed:
		t.failed.Add(1)
		t.mu.Lock()
		t.failedIDs = append(t.failedIDs, id)
		t.mu.Unlock()
	case OutcomeStoreFailed:
		t.storeFailed.Add(1)
		t.mu.Lock()
		t.storeFailedIDs = append(t.storeFailedIDs, id)
		t.mu.Unlock()
	case OutcomeCancelled:
		t.cancelled.Add(1)
	}
}

// Counts returns the current counters.
func (t *Tally) Counts() Counts {
	return Counts{
		Queued:      int(t.queued.Load()),
		Created:     int(t.created.Load()),
		Updated:     int(t.updated.Load()),
		Skipped:     int(t.skipped.Load()),
		Failed:      int(t.failed.Load()),
		StoreFailed: int(t.storeFailed.Load()),
		Cancelled:   int(t.cancelled.Load()),
	}
}

// FailedIDs returns the ids whose fetch exhausted its retries.
func (t *Tally) FailedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.failedIDs...)
}

// StoreFailedIDs returns the ids that could not be written.
func (t *Tally) StoreFailedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.storeFailedIDs...)
}

// Exit codes reported by a finished run.
const (
	ExitOK          = 0
	ExitAborted     = 1
	ExitPartial     = 2
	ExitInterrupted = 130
)

// Summary is the report of one sync run. It is produced for every run,
// aborted ones included.
type Summary struct {
	RunID string
	Mode  Mode

	// State is StateDone or StateAborted.
	State State

	// Interrupted is set when a shutdown request stopped the run early.
	Interrupted bool

	Counts
	Deleted        int
	FailedIDs      []string
	StoreFailedIDs []string

	Started  time.Time
	Duration time.Duration

	// Err is the reason the run aborted, if it did.
	Err error
}

// ExitCode maps the run result to a process exit status.
func (s *Summary) ExitCode() int {
	switch {
	case s.State == StateAborted:
		return ExitAborted
	case s.Interrupted:
		return ExitInterrupted
	case s.Failed > 0 || s.StoreFailed > 0:
		return ExitPartial
	}
	return ExitOK
}

// Complete reports whether the run finished without losing any id.
func (s *Summary) Complete() bool {
	return s.ExitCode() == ExitOK
}
