package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	gosync "sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/shutdown"
)

// ErrStopped is returned by the enqueue function once the scheduler no
// longer accepts work.
var ErrStopped = errors.New("scheduler stopped")

// AbortMode decides what happens to in-flight work after a fatal error.
type AbortMode int

const (
	// AbortGraceful lets in-flight work finish.
	AbortGraceful AbortMode = iota
	// AbortForced cancels in-flight work.
	AbortForced
)

// ParseAbortMode parses "graceful" or "forced".
func ParseAbortMode(s string) (AbortMode, error) {
	switch s {
	case "", "graceful":
		return AbortGraceful, nil
	case "forced":
		return AbortForced, nil
	}
	return AbortGraceful, fmt.Errorf("unknown abort mode %q", s)
}

// Producer feeds ids to the scheduler. enqueue blocks while the queue is
// full and returns ErrStopped once the run is stopping; the producer
// should then return promptly.
type Producer func(ctx context.Context, enqueue func(id string) error) error

// WorkFunc processes one id. A non-nil error is fatal to the run: no
// further ids are dispatched.
type WorkFunc func(ctx context.Context, id string) (Outcome, error)

// Scheduler runs a bounded pool of workers over a bounded queue.
type Scheduler struct {
	Workers   int
	QueueSize int
	AbortMode AbortMode

	// OnOutcome, if set, is called from worker goroutines after every id.
	OnOutcome func(id string, o Outcome)

	Logger zerolog.Logger
}

// Run starts the producer and the workers and waits for both. Workers
// stop taking ids once ctrl starts draining or a fatal error occurs; ids
// still queued at that point are counted as cancelled. Work runs under
// ctrl's context, so a forced shutdown cancels it.
//
// The returned error is the first fatal work error or producer failure.
func (s *Scheduler) Run(ctrl *shutdown.Controller, produce Producer, work WorkFunc) (*Tally, error) {
	workers := s.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	queueSize := s.QueueSize
	if queueSize < 1 {
		queueSize = workers * 2
	}

	ctx, cancel := context.WithCancel(ctrl.Context())
	defer cancel()

	var (
		tally    = &Tally{}
		queue    = make(chan string, queueSize)
		stopCh   = make(chan struct{})
		stopOnce gosync.Once
		errMu    gosync.Mutex
		runErr   error
	)

	stop := func(err error) {
		if err != nil {
			errMu.Lock()
			if runErr == nil {
				runErr = err
			}
			errMu.Unlock()
		}
		stopOnce.Do(func() { close(stopCh) })
	}

	stopped := func() bool {
		select {
		case <-stopCh:
			return true
		case <-ctrl.Draining():
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	enqueue := func(id string) error {
		if stopped() {
			return ErrStopped
		}
		select {
		case queue <- id:
			tally.queue()
			return nil
		case <-stopCh:
		case <-ctrl.Draining():
		case <-ctx.Done():
		}
		return ErrStopped
	}

	var g errgroup.Group

	g.Go(func() error {
		defer close(queue)
		err := produce(ctx, enqueue)
		if err != nil && !errors.Is(err, ErrStopped) && !stopped() {
			s.Logger.Error().Err(err).Msg("listing failed, stopping run")
			stop(fmt.Errorf("listing: %w", err))
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for id := range queue {
				if stopped() {
					tally.Record(id, OutcomeCancelled)
					s.notify(id, OutcomeCancelled)
					continue
				}

				o, err := work(ctx, id)
				tally.Record(id, o)
				s.notify(id, o)

				if err != nil {
					s.Logger.Error().Err(err).Str("message_id", id).Msg("fatal error, stopping run")
					stop(err)
					if s.AbortMode == AbortForced {
						cancel()
					}
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	return tally, runErr
}

func (s *Scheduler) notify(id string, o Outcome) {
	if s.OnOutcome != nil {
		s.OnOutcome(id, o)
	}
}
