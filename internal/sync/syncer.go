package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/events"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/shutdown"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// progressLogInterval is how many processed ids pass between progress log
// lines.
const progressLogInterval = 50

// ErrInterrupted is the abort reason of a run stopped by a forced
// shutdown.
var ErrInterrupted = errors.New("sync interrupted")

// Progress observes a running sync. Methods are called from multiple
// goroutines.
type Progress interface {
	OnState(runID string, s State)
	OnOutcome(runID, id string, o Outcome)
}

// Options selects the mode and tuning of one run.
type Options struct {
	Mode Mode

	// MessageID is the id fetched in ModeSingle.
	MessageID string

	// Clobber lists fields overwritten on messages that already exist.
	Clobber model.FieldSet

	Workers   int
	QueueSize int
	AbortMode AbortMode
}

// Syncer mirrors one Source into one Store.
type Syncer struct {
	src       source.Source
	store     store.Store
	policy    retry.Policy
	log       zerolog.Logger
	progress  Progress
	publisher events.Publisher
	now       func() time.Time
}

// NewSyncer creates a Syncer. A policy without a classifier classifies
// errors with source.Classify.
func NewSyncer(src source.Source, st store.Store, policy retry.Policy) *Syncer {
	if policy.Classify == nil {
		policy.Classify = source.Classify
	}
	return &Syncer{
		src:       src,
		store:     st,
		policy:    policy,
		log:       zerolog.Nop(),
		publisher: events.Nop{},
		now:       time.Now,
	}
}

// WithLogger sets the logger used for progress and failures.
func (s *Syncer) WithLogger(log zerolog.Logger) *Syncer {
	s.log = log.With().Str("component", "sync").Str("source", string(s.src.Type())).Logger()
	return s
}

// WithProgress registers an observer.
func (s *Syncer) WithProgress(p Progress) *Syncer {
	s.progress = p
	return s
}

// WithPublisher sets the change feed. Publish failures are logged and
// never affect the run.
func (s *Syncer) WithPublisher(p events.Publisher) *Syncer {
	if p == nil {
		p = events.Nop{}
	}
	s.publisher = p
	return s
}

// run is the mutable state of one Run call.
type run struct {
	id      string
	opts    Options
	log     zerolog.Logger
	state   State
	stateMu gosync.Mutex
}

// Run executes one sync and always returns a summary. The error is the
// summary's Err: non-nil only for aborted runs.
func (s *Syncer) Run(ctrl *shutdown.Controller, opts Options) (*Summary, error) {
	r := &run{id: uuid.NewString(), opts: opts}
	r.log = s.log.With().Str("run_id", r.id).Str("mode", opts.Mode.String()).Logger()

	sum := &Summary{RunID: r.id, Mode: opts.Mode, Started: s.now()}
	s.setState(r, StateIdle)
	r.log.Info().Msg("sync started")

	err := s.execute(ctrl, r, sum)

	s.setState(r, StateSummarizing)
	if ctrl.Level() >= shutdown.Graceful {
		sum.Interrupted = true
	}
	if err == nil && ctrl.Level() == shutdown.Forced {
		err = ErrInterrupted
	}
	sum.Err = err
	sum.Duration = s.now().Sub(sum.Started)
	if err != nil {
		sum.State = StateAborted
	} else {
		sum.State = StateDone
	}

	s.logSummary(r, sum)
	s.publish(r, events.Event{
		Type:    events.TypeSyncCompleted,
		RunID:   r.id,
		Time:    s.now(),
		Summary: eventSummary(sum),
	})
	s.setState(r, sum.State)

	return sum, err
}

func (s *Syncer) execute(ctrl *shutdown.Controller, r *run, sum *Summary) error {
	ctx := ctrl.Context()

	if r.opts.Mode == ModeDeletionOnly {
		if ctrl.Stopping() {
			return nil
		}
		return s.reconcile(ctx, r, sum)
	}

	s.setState(r, StateListing)

	var since, before time.Time
	if r.opts.Mode == ModeIncremental {
		latest, ok, err := s.store.MaxLastIndexed(ctx)
		if err != nil {
			return fmt.Errorf("reading sync cutoff: %w", err)
		}
		if ok {
			since = latest
			r.log.Info().Time("since", since).Msg("incremental sync")
		} else {
			r.log.Info().Msg("store is empty, listing everything")
		}

		if ok {
			oldest, found, err := s.store.MinTimestamp(ctx)
			if err != nil {
				return fmt.Errorf("reading oldest message: %w", err)
			}
			if found {
				before = oldest
			}
		}
	}

	if r.opts.Mode == ModeSingle && r.opts.MessageID == "" {
		return errors.New("single-message sync needs a message id")
	}

	var processed atomic.Int64
	sched := &Scheduler{
		Workers:   r.opts.Workers,
		QueueSize: r.opts.QueueSize,
		AbortMode: r.opts.AbortMode,
		Logger:    r.log,
		OnOutcome: func(id string, o Outcome) {
			if s.progress != nil {
				s.progress.OnOutcome(r.id, id, o)
			}
			if n := processed.Add(1); n%progressLogInterval == 0 {
				r.log.Info().Int64("processed", n).Msg("sync progress")
			}
		},
	}

	tally, err := sched.Run(ctrl, s.producer(r, since, before), s.worker(r))

	sum.Counts = tally.Counts()
	sum.FailedIDs = tally.FailedIDs()
	sum.StoreFailedIDs = tally.StoreFailedIDs()

	if err != nil {
		return err
	}
	if r.opts.Mode != ModeFull {
		return nil
	}
	if ctrl.Stopping() {
		r.log.Warn().Msg("run interrupted, skipping deletion reconciliation")
		return nil
	}
	return s.reconcile(ctx, r, sum)
}

// producer lists candidate ids and feeds each distinct id once. A non-zero
// before adds a second pass over messages older than the oldest stored
// one, picking up history an interrupted run never reached.
func (s *Syncer) producer(r *run, since, before time.Time) Producer {
	return func(ctx context.Context, enqueue func(string) error) error {
		var fetching gosync.Once
		startFetching := func() {
			fetching.Do(func() { s.setState(r, StateFetching) })
		}

		if r.opts.Mode == ModeSingle {
			startFetching()
			return enqueue(r.opts.MessageID)
		}

		seen := make(map[string]struct{})
		policy := s.policy
		policy.Classify = func(err error) retry.Class {
			if errors.Is(err, ErrStopped) {
				return retry.Fatal
			}
			return s.policy.Classify(err)
		}
		yield := func(id string) error {
			if _, dup := seen[id]; dup {
				return nil
			}
			seen[id] = struct{}{}
			startFetching()
			return enqueue(id)
		}
		list := func(op string, fn func(ctx context.Context) error) error {
			err := policy.Do(ctx, op, fn)
			if errors.Is(err, ErrStopped) || errors.Is(err, retry.ErrCancelled) {
				return ErrStopped
			}
			return err
		}

		err := list("list candidates", func(ctx context.Context) error {
			return s.src.ListCandidateIDs(ctx, since, yield)
		})
		if err != nil {
			return err
		}

		if !before.IsZero() {
			listed := len(seen)
			r.log.Info().Time("before", before).Msg("backfilling older messages")
			err := list("list older", func(ctx context.Context) error {
				return s.src.ListOlderIDs(ctx, before, yield)
			})
			if err != nil {
				return err
			}
			r.log.Debug().Int("backfill", len(seen)-listed).Msg("backfill listing complete")
		}

		startFetching()
		r.log.Info().Int("listed", len(seen)).Msg("listing complete")
		return nil
	}
}

// worker fetches one id with retries and writes it to the store.
func (s *Syncer) worker(r *run) WorkFunc {
	return func(ctx context.Context, id string) (Outcome, error) {
		log := r.log.With().Str("message_id", id).Logger()

		var msg *model.Message
		err := s.policy.Do(ctx, "fetch "+id, func(ctx context.Context) error {
			m, err := s.src.Fetch(ctx, id)
			if err != nil {
				return err
			}
			msg = m
			return nil
		})

		switch {
		case err == nil:
		case errors.Is(err, retry.ErrCancelled):
			return OutcomeCancelled, nil
		case errors.Is(err, retry.ErrNotFound):
			log.Debug().Msg("message no longer exists, skipping")
			return OutcomeSkipped, nil
		case retry.IsFatal(err):
			return OutcomeFailed, err
		default:
			log.Warn().Err(err).Msg("fetch failed")
			return OutcomeFailed, nil
		}

		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		msg.MessageID = id
		msg.IsDeleted = false
		created, err := s.store.UpsertMessage(ctx, *msg, r.opts.Clobber)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			log.Error().Err(err).Msg("storing message failed")
			return OutcomeStoreFailed, nil
		}

		outcome, evType := OutcomeUpdated, events.TypeMessageUpdated
		if created {
			outcome, evType = OutcomeCreated, events.TypeMessageCreated
		}
		s.publish(r, events.Event{
			Type:      evType,
			RunID:     r.id,
			MessageID: id,
			ThreadID:  msg.ThreadID,
			Labels:    msg.Labels,
			Time:      s.now(),
		})
		return outcome, nil
	}
}

// reconcile flags stored messages that no longer exist on the remote.
func (s *Syncer) reconcile(ctx context.Context, r *run, sum *Summary) error {
	s.setState(r, StateReconciling)

	var live map[string]struct{}
	err := s.policy.Do(ctx, "list live ids", func(ctx context.Context) error {
		ids, err := s.src.ListLiveIDs(ctx)
		if err != nil {
			return err
		}
		live = ids
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing live ids: %w", err)
	}

	if len(live) == 0 {
		r.log.Warn().Msg("remote reports no messages, every stored message will be marked deleted")
	}

	n, err := s.store.MarkDeleted(ctx, live)
	if err != nil {
		return fmt.Errorf("marking deleted messages: %w", err)
	}
	sum.Deleted = n
	r.log.Info().Int("live", len(live)).Int("deleted", n).Msg("deletion reconciliation complete")
	return nil
}

func (s *Syncer) setState(r *run, st State) {
	r.stateMu.Lock()
	prev := r.state
	r.state = st
	r.stateMu.Unlock()

	if prev != st {
		r.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("state change")
	}
	if s.progress != nil {
		s.progress.OnState(r.id, st)
	}
}

func (s *Syncer) publish(r *run, e events.Event) {
	if err := s.publisher.Publish(context.Background(), e); err != nil {
		r.log.Warn().Err(err).Str("event", e.Type).Msg("publishing event failed")
	}
}

func (s *Syncer) logSummary(r *run, sum *Summary) {
	ev := r.log.Info()
	if sum.State == StateAborted {
		ev = r.log.Error().Err(sum.Err)
	}
	ev.
		Str("state", sum.State.String()).
		Bool("interrupted", sum.Interrupted).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("store_failed", sum.StoreFailed).
		Int("cancelled", sum.Cancelled).
		Int("deleted", sum.Deleted).
		Dur("duration", sum.Duration).
		Msg("sync finished")
	if len(sum.FailedIDs) > 0 {
		r.log.Warn().Strs("ids", sum.FailedIDs).Msg("messages that failed to fetch")
	}
	if len(sum.StoreFailedIDs) > 0 {
		r.log.Warn().Strs("ids", sum.StoreFailedIDs).Msg("messages that failed to store")
	}
}

func eventSummary(sum *Summary) *events.RunSummary {
	es := &events.RunSummary{
		Mode:        sum.Mode.String(),
		State:       sum.State.String(),
		Created:     sum.Created,
		Updated:     sum.Updated,
		Skipped:     sum.Skipped,
		Failed:      sum.Failed,
		StoreFailed: sum.StoreFailed,
		Cancelled:   sum.Cancelled,
		Deleted:     sum.Deleted,
		DurationMS:  sum.Duration.Milliseconds(),
	}
	if sum.Err != nil {
		es.Error = sum.Err.Error()
	}
	return es
}
