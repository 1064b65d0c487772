package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/shutdown"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("id-%03d", i)
	}
	return out
}

// produceAll enqueues every id and counts successful enqueues.
func produceAll(list []string, enqueued *atomic.Int64) Producer {
	return func(_ context.Context, enqueue func(string) error) error {
		for _, id := range list {
			if err := enqueue(id); err != nil {
				return err
			}
			if enqueued != nil {
				enqueued.Add(1)
			}
		}
		return nil
	}
}

func newController(t *testing.T) *shutdown.Controller {
	t.Helper()
	ctrl := shutdown.New(context.Background())
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestSchedulerProcessesEveryID(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 4, QueueSize: 8, Logger: zerolog.Nop()}

	var (
		mu   gosync.Mutex
		seen []string
	)
	tally, err := s.Run(ctrl, produceAll(ids(50), nil), func(_ context.Context, id string) (Outcome, error) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		return OutcomeCreated, nil
	})
	require.NoError(t, err)

	c := tally.Counts()
	assert.Equal(t, 50, c.Queued)
	assert.Equal(t, 50, c.Created)
	sort.Strings(seen)
	assert.Equal(t, ids(50), seen)
}

func TestSchedulerBackpressure(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 1, QueueSize: 2, Logger: zerolog.Nop()}

	release := make(chan struct{})
	var enqueued atomic.Int64

	done := make(chan struct{})
	var tally *Tally
	go func() {
		defer close(done)
		tally, _ = s.Run(ctrl, produceAll(ids(10), &enqueued), func(context.Context, string) (Outcome, error) {
			<-release
			return OutcomeCreated, nil
		})
	}()

	// One id in the worker plus two queued; the producer then blocks.
	require.Eventually(t, func() bool { return enqueued.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(3), enqueued.Load())

	close(release)
	<-done
	assert.Equal(t, 10, tally.Counts().Created)
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 3, QueueSize: 4, Logger: zerolog.Nop()}

	tally, err := s.Run(ctrl, produceAll([]string{"1", "2", "3", "4"}, nil), func(_ context.Context, id string) (Outcome, error) {
		switch id {
		case "2":
			return OutcomeFailed, nil
		case "3":
			return OutcomeStoreFailed, nil
		}
		return OutcomeCreated, nil
	})
	require.NoError(t, err)

	c := tally.Counts()
	assert.Equal(t, 2, c.Created)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, 1, c.StoreFailed)
	assert.Equal(t, []string{"2"}, tally.FailedIDs())
	assert.Equal(t, []string{"3"}, tally.StoreFailedIDs())
}

func TestSchedulerFatalStopsDispatch(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 1, QueueSize: 20, Logger: zerolog.Nop()}

	boom := errors.New("credentials revoked")
	var dispatched []string
	tally, err := s.Run(ctrl, produceAll(ids(10), nil), func(_ context.Context, id string) (Outcome, error) {
		dispatched = append(dispatched, id)
		if id == "id-002" {
			return OutcomeFailed, boom
		}
		return OutcomeCreated, nil
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"id-000", "id-001", "id-002"}, dispatched)

	c := tally.Counts()
	assert.Equal(t, 2, c.Created)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, c.Queued, c.Processed())
	assert.Equal(t, c.Queued-3, c.Cancelled)
}

func TestSchedulerFatalForcedCancelsInFlight(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 2, QueueSize: 4, AbortMode: AbortForced, Logger: zerolog.Nop()}

	started := make(chan struct{})
	tally, err := s.Run(ctrl, produceAll([]string{"slow", "bad"}, nil), func(ctx context.Context, id string) (Outcome, error) {
		if id == "slow" {
			close(started)
			<-ctx.Done()
			return OutcomeCancelled, nil
		}
		<-started
		return OutcomeFailed, errors.New("fatal")
	})

	require.Error(t, err)
	c := tally.Counts()
	assert.Equal(t, 1, c.Cancelled)
	assert.Equal(t, 1, c.Failed)
}

func TestSchedulerGracefulDrainFinishesInFlightOnly(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 4, QueueSize: 100, Logger: zerolog.Nop()}

	var (
		enqueued   atomic.Int64
		dispatched atomic.Int64
		release    = make(chan struct{})
	)

	done := make(chan struct{})
	var (
		tally  *Tally
		runErr error
	)
	go func() {
		defer close(done)
		tally, runErr = s.Run(ctrl, produceAll(ids(104), &enqueued), func(ctx context.Context, _ string) (Outcome, error) {
			dispatched.Add(1)
			<-release
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			return OutcomeCreated, nil
		})
	}()

	require.Eventually(t, func() bool {
		return dispatched.Load() == 4 && enqueued.Load() == 104
	}, 2*time.Second, time.Millisecond)

	ctrl.Signal()
	close(release)
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, int64(4), dispatched.Load())

	c := tally.Counts()
	assert.Equal(t, 4, c.Created)
	assert.Equal(t, 100, c.Cancelled)
}

func TestSchedulerForcedShutdownCancelsInFlight(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 2, QueueSize: 10, Logger: zerolog.Nop()}

	var dispatched atomic.Int64
	done := make(chan struct{})
	var tally *Tally
	go func() {
		defer close(done)
		tally, _ = s.Run(ctrl, produceAll(ids(10), nil), func(ctx context.Context, _ string) (Outcome, error) {
			dispatched.Add(1)
			<-ctx.Done()
			return OutcomeCancelled, nil
		})
	}()

	require.Eventually(t, func() bool { return dispatched.Load() == 2 }, time.Second, time.Millisecond)
	ctrl.Signal()
	ctrl.Signal()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after forced shutdown")
	}

	c := tally.Counts()
	assert.Equal(t, int64(2), dispatched.Load())
	assert.Equal(t, c.Queued, c.Cancelled)
}

func TestSchedulerProducerFailureStopsRun(t *testing.T) {
	ctrl := newController(t)
	s := &Scheduler{Workers: 2, QueueSize: 2, Logger: zerolog.Nop()}

	listErr := errors.New("listing exploded")
	tally, err := s.Run(ctrl, func(_ context.Context, enqueue func(string) error) error {
		if err := enqueue("a"); err != nil {
			return err
		}
		return listErr
	}, func(context.Context, string) (Outcome, error) {
		return OutcomeCreated, nil
	})

	require.ErrorIs(t, err, listErr)
	assert.Contains(t, err.Error(), "listing")
	assert.Equal(t, 1, tally.Counts().Queued)
}

func TestSchedulerEnqueueAfterDrain(t *testing.T) {
	ctrl := newController(t)
	ctrl.Drain()
	s := &Scheduler{Workers: 1, QueueSize: 1, Logger: zerolog.Nop()}

	var enqueueErr error
	tally, err := s.Run(ctrl, func(_ context.Context, enqueue func(string) error) error {
		enqueueErr = enqueue("a")
		return enqueueErr
	}, func(context.Context, string) (Outcome, error) {
		t.Fatal("no work should be dispatched")
		return OutcomeCreated, nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, enqueueErr, ErrStopped)
	assert.Equal(t, 0, tally.Counts().Queued)
}

func TestParseAbortMode(t *testing.T) {
	m, err := ParseAbortMode("forced")
	require.NoError(t, err)
	assert.Equal(t, AbortForced, m)

	m, err = ParseAbortMode("")
	require.NoError(t, err)
	assert.Equal(t, AbortGraceful, m)

	_, err = ParseAbortMode("later")
	assert.Error(t, err)
}
