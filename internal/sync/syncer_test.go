package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/events"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/sourcetest"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    4 * time.Millisecond,
		Jitter:      0.1,
	}
}

func transient() error {
	return &source.TransientError{SourceType: "fake", Err: errors.New("503 backend error")}
}

type recorder struct {
	mu       gosync.Mutex
	states   []State
	outcomes map[string]Outcome
	events   []events.Event
}

func newRecorder() *recorder {
	return &recorder{outcomes: map[string]Outcome{}}
}

func (r *recorder) OnState(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n == 0 || r.states[n-1] != s {
		r.states = append(r.states, s)
	}
}

func (r *recorder) OnOutcome(_, id string, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = o
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) eventTypes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, e := range r.events {
		out[e.Type]++
	}
	return out
}

type harness struct {
	fake  *sourcetest.Fake
	store *store.SQLiteStore
	rec   *recorder
	sync  *Syncer
}

func newHarness(t *testing.T, opts ...store.Option) *harness {
	t.Helper()
	h := &harness{
		fake:  sourcetest.New(),
		store: testutil.NewTestStore(t, opts...),
		rec:   newRecorder(),
	}
	h.sync = NewSyncer(h.fake, h.store, fastPolicy()).
		WithProgress(h.rec).
		WithPublisher(h.rec)
	return h
}

func (h *harness) run(t *testing.T, opts Options) *Summary {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	sum, _ := h.sync.Run(newController(t), opts)
	require.NotNil(t, sum)
	return sum
}

func (h *harness) storedIDs(t *testing.T) []string {
	t.Helper()
	got, err := h.store.MessageIDs(context.Background())
	require.NoError(t, err)
	return got
}

func TestSyncEndToEndSkipsVanishedMessage(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"), testutil.NewMessage("3"))
	h.fake.ListAlso("2")

	sum := h.run(t, Options{Mode: ModeIncremental})

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, ExitOK, sum.ExitCode())
	assert.Equal(t, []string{"1", "3"}, h.storedIDs(t))
	assert.NotEmpty(t, sum.RunID)
}

func TestSyncIsIdempotent(t *testing.T) {
	h := newHarness(t, store.WithClock(testutil.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)).Now))
	h.fake.Add(testutil.NewMessage("a"), testutil.NewMessage("b"))

	first := h.run(t, Options{Mode: ModeFull})
	require.Equal(t, 2, first.Created)
	before, err := h.store.GetMessage(context.Background(), "a")
	require.NoError(t, err)

	second := h.run(t, Options{Mode: ModeFull})
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Updated)

	after, err := h.store.GetMessage(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"a", "b"}, h.storedIDs(t))
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("m"))
	h.fake.FailNext("m", transient(), transient(), transient())

	sum := h.run(t, Options{Mode: ModeFull})

	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 4, h.fake.Fetches("m"))
}

func TestSyncExhaustedRetriesAreCountedNotFatal(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("ok"), testutil.NewMessage("flaky"))
	h.fake.FailAlways("flaky", transient())

	sum := h.run(t, Options{Mode: ModeIncremental})

	assert.Equal(t, StateDone, sum.State)
	assert.NoError(t, sum.Err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"flaky"}, sum.FailedIDs)
	assert.Equal(t, 5, h.fake.Fetches("flaky"))
	assert.Equal(t, ExitPartial, sum.ExitCode())
}

func TestSyncFatalErrorAborts(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.fake.Add(testutil.NewMessage(id))
	}
	h.fake.FailAlways("2", &source.AuthError{SourceType: "fake", Message: "token revoked"})

	sum := h.run(t, Options{Mode: ModeFull, Workers: 1})

	assert.Equal(t, StateAborted, sum.State)
	assert.True(t, source.IsAuthError(sum.Err))
	assert.Equal(t, ExitAborted, sum.ExitCode())
	assert.Equal(t, 1, h.fake.Fetches("2"), "fatal errors are not retried")
	for _, id := range []string{"3", "4", "5"} {
		assert.Zero(t, h.fake.Fetches(id), "no dispatch after fatal error: %s", id)
	}
	assert.Equal(t, []string{"1"}, h.storedIDs(t))
	assert.Equal(t, 0, sum.Deleted, "aborted runs do not reconcile")
}

func TestSyncFullReconcilesDeletions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := h.store.UpsertMessage(ctx, testutil.NewMessage(id), nil)
		require.NoError(t, err)
	}
	h.fake.Add(testutil.NewMessage("A"), testutil.NewMessage("C"))

	sum := h.run(t, Options{Mode: ModeFull})

	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, 2, sum.Updated)
	for id, want := range map[string]bool{"A": false, "B": true, "C": false} {
		msg, err := h.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, msg.IsDeleted, id)
	}
	assert.Equal(t, []State{
		StateIdle, StateListing, StateFetching, StateReconciling, StateSummarizing, StateDone,
	}, h.rec.states)
}

func TestSyncDeletionOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := h.store.UpsertMessage(ctx, testutil.NewMessage(id), nil)
		require.NoError(t, err)
	}
	h.fake.Add(testutil.NewMessage("A"), testutil.NewMessage("C"))

	sum := h.run(t, Options{Mode: ModeDeletionOnly})

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 1, sum.Deleted)
	assert.Zero(t, h.fake.TotalFetches())
	assert.Equal(t, []State{StateIdle, StateReconciling, StateSummarizing, StateDone}, h.rec.states)

	again := h.run(t, Options{Mode: ModeDeletionOnly})
	assert.Equal(t, 0, again.Deleted)
}

func TestSyncIncrementalDoesNotReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.store.UpsertMessage(ctx, testutil.NewMessage("gone"), nil)
	require.NoError(t, err)

	sum := h.run(t, Options{Mode: ModeIncremental})
	assert.Equal(t, 0, sum.Deleted)

	msg, err := h.store.GetMessage(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, msg.IsDeleted)
}

func TestSyncIncrementalUsesLastIndexedCutoff(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(t0)
	h := newHarness(t, store.WithClock(clock.Now))

	old := testutil.NewMessage("old")
	old.Timestamp = t0.Add(-24 * time.Hour)
	h.fake.Add(old)

	first := h.run(t, Options{Mode: ModeIncremental})
	require.Equal(t, 1, first.Created)

	newer := testutil.NewMessage("new")
	newer.Timestamp = t0.Add(time.Hour)
	h.fake.Add(newer)

	second := h.run(t, Options{Mode: ModeIncremental})
	assert.Equal(t, 1, second.Created)
	assert.Equal(t, 0, second.Updated)

	since := h.fake.Since()
	require.Len(t, since, 2)
	assert.True(t, since[0].IsZero())
	assert.True(t, since[1].Equal(t0))
}

func TestSyncIncrementalBackfillsInterruptedHistory(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(t0)
	h := newHarness(t, store.WithClock(clock.Now))

	for i, id := range []string{"m1", "m2", "m3"} {
		m := testutil.NewMessage(id)
		m.Timestamp = t0.Add(-time.Duration(i+1) * time.Hour)
		h.fake.Add(m)
	}

	ctrl := newController(t)
	var once gosync.Once
	h.fake.FetchHook = func(context.Context, string) error {
		once.Do(ctrl.Drain)
		return nil
	}
	first, err := h.sync.Run(ctrl, Options{Mode: ModeIncremental, Workers: 1, QueueSize: 1})
	require.NoError(t, err)
	require.True(t, first.Interrupted)
	require.GreaterOrEqual(t, first.Created, 1)
	require.Less(t, first.Created, 3)

	second := h.run(t, Options{Mode: ModeIncremental})

	assert.Equal(t, StateDone, second.State)
	assert.Equal(t, 3, first.Created+second.Created)
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.storedIDs(t))

	before := h.fake.Before()
	require.Len(t, before, 1, "only a run over a non-empty store backfills")
	oldest, ok, err := h.store.MinTimestamp(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(t0.Add(-3*time.Hour)))
}

func TestSyncSingleMessage(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"), testutil.NewMessage("2"))

	sum := h.run(t, Options{Mode: ModeSingle, MessageID: "2"})

	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, []string{"2"}, h.storedIDs(t))
	assert.Empty(t, h.fake.Since(), "single-message sync does not list")
}

func TestSyncSingleMessageRequiresID(t *testing.T) {
	h := newHarness(t)
	sum := h.run(t, Options{Mode: ModeSingle})
	assert.Equal(t, StateAborted, sum.State)
	assert.Error(t, sum.Err)
}

func TestSyncClobber(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	msg := testutil.NewMessage("m")
	h.fake.Add(msg)
	h.run(t, Options{Mode: ModeFull})

	msg.Subject = "edited upstream"
	msg.Body = "new body"
	h.fake.Add(msg)

	h.run(t, Options{Mode: ModeFull})
	got, err := h.store.GetMessage(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "Subject m", got.Subject)

	h.run(t, Options{Mode: ModeFull, Clobber: model.NewFieldSet(model.FieldSubject)})
	got, err = h.store.GetMessage(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "edited upstream", got.Subject)
	assert.Equal(t, "Body of m", got.Body)
}

type failingStore struct {
	store.Store
	failID string
}

func (f *failingStore) UpsertMessage(ctx context.Context, msg model.Message, clobber model.FieldSet) (bool, error) {
	if msg.MessageID == f.failID {
		return false, &store.Error{Op: "upsert", MessageID: msg.MessageID, Err: errors.New("disk full")}
	}
	return f.Store.UpsertMessage(ctx, msg, clobber)
}

func TestSyncStoreFailureIsCountedAndRunContinues(t *testing.T) {
	fake := sourcetest.New()
	fake.Add(testutil.NewMessage("1"), testutil.NewMessage("2"), testutil.NewMessage("3"))
	st := &failingStore{Store: testutil.NewTestStore(t), failID: "2"}

	sum, err := NewSyncer(fake, st, fastPolicy()).Run(newController(t), Options{Mode: ModeFull, Workers: 2})

	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.StoreFailed)
	assert.Equal(t, []string{"2"}, sum.StoreFailedIDs)
	assert.Equal(t, ExitPartial, sum.ExitCode())
	assert.Equal(t, 1, fake.Fetches("2"), "store failures are not retried")
}

func TestSyncListingFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.fake.FailListing(&source.AuthError{SourceType: "fake", Message: "expired"})

	sum := h.run(t, Options{Mode: ModeIncremental})

	assert.Equal(t, StateAborted, sum.State)
	assert.True(t, source.IsAuthError(sum.Err))
	assert.Equal(t, ExitAborted, sum.ExitCode())
	assert.Equal(t, 1, h.rec.eventTypes()[events.TypeSyncCompleted], "summary is published on abort")
}

func TestSyncLiveListingFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"))
	h.fake.FailLive(&source.AuthError{SourceType: "fake", Message: "expired"})

	sum := h.run(t, Options{Mode: ModeFull})

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, 1, sum.Created)
}

func TestSyncGracefulInterruptSkipsReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.store.UpsertMessage(ctx, testutil.NewMessage("stale"), nil)
	require.NoError(t, err)
	h.fake.Add(testutil.NewMessage("1"))

	ctrl := newController(t)
	ctrl.Drain()
	sum, err := h.sync.Run(ctrl, Options{Mode: ModeFull, Workers: 1, QueueSize: 1})

	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, ExitInterrupted, sum.ExitCode())
	assert.Equal(t, 0, sum.Deleted)

	msg, err := h.store.GetMessage(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, msg.IsDeleted)
}

func TestSyncForcedInterruptAborts(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"1", "2", "3"} {
		h.fake.Add(testutil.NewMessage(id))
	}

	ctrl := newController(t)
	started := make(chan struct{})
	var once gosync.Once
	h.fake.FetchHook = func(ctx context.Context, _ string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}

	go func() {
		<-started
		ctrl.Signal()
		ctrl.Signal()
	}()

	sum, err := h.sync.Run(ctrl, Options{Mode: ModeFull, Workers: 1, QueueSize: 4})

	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, ExitAborted, sum.ExitCode())
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, sum.Queued, sum.Cancelled)
}

func TestSyncPublishesEvents(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"), testutil.NewMessage("2"))

	h.run(t, Options{Mode: ModeFull})
	h.run(t, Options{Mode: ModeSingle, MessageID: "1"})

	types := h.rec.eventTypes()
	assert.Equal(t, 2, types[events.TypeMessageCreated])
	assert.Equal(t, 1, types[events.TypeMessageUpdated])
	assert.Equal(t, 2, types[events.TypeSyncCompleted])
}

func TestSyncDeduplicatesListedIDs(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"))
	h.fake.ListAlso("1", "1")

	sum := h.run(t, Options{Mode: ModeFull})

	assert.Equal(t, 1, sum.Queued)
	assert.Equal(t, 1, h.fake.Fetches("1"))
}
