package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestUpsertCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage("m1")
	created, err := s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)
	assert.False(t, created)

	ids, err := s.MessageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, got.Subject)
	assert.Equal(t, msg.Sender, got.Sender)
	assert.Equal(t, msg.Recipients, got.Recipients)
	assert.Equal(t, msg.Labels, got.Labels)
	assert.True(t, msg.Timestamp.Equal(got.Timestamp))
	assert.False(t, got.IsDeleted)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(t0)
	s := testutil.NewTestStore(t, store.WithClock(clock.Now))

	msgs := []model.Message{testutil.NewMessage("a"), testutil.NewMessage("b")}
	for _, m := range msgs {
		_, err := s.UpsertMessage(ctx, m, nil)
		require.NoError(t, err)
	}
	first, err := s.GetMessage(ctx, "a")
	require.NoError(t, err)

	for _, m := range msgs {
		_, err := s.UpsertMessage(ctx, m, nil)
		require.NoError(t, err)
	}
	second, err := s.GetMessage(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	counts, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)
}

func TestUpsertUpdatesMutableFieldsOnly(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	orig := testutil.NewMessage("m1")
	_, err := s.UpsertMessage(ctx, orig, nil)
	require.NoError(t, err)

	changed := orig
	changed.Subject = "rewritten"
	changed.Body = "rewritten body"
	changed.Timestamp = orig.Timestamp.Add(time.Hour)
	changed.Size = 1
	changed.ThreadID = "other"
	changed.Sender = model.Address{Email: "mallory@example.com"}
	changed.Labels = []string{"INBOX", "IMPORTANT"}
	changed.IsRead = true
	changed.IsOutgoing = true

	_, err = s.UpsertMessage(ctx, changed, nil)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, orig.Subject, got.Subject)
	assert.Equal(t, orig.Body, got.Body)
	assert.True(t, orig.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, orig.Size, got.Size)
	assert.Equal(t, orig.ThreadID, got.ThreadID)
	assert.Equal(t, orig.Sender, got.Sender)

	assert.Equal(t, []string{"INBOX", "IMPORTANT"}, got.Labels)
	assert.True(t, got.IsRead)
	assert.True(t, got.IsOutgoing)
}

func TestUpsertClobber(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	orig := testutil.NewMessage("m1")
	_, err := s.UpsertMessage(ctx, orig, nil)
	require.NoError(t, err)

	changed := orig
	changed.Subject = "new subject"
	changed.Body = "new body"
	changed.Timestamp = orig.Timestamp.Add(time.Hour)

	_, err = s.UpsertMessage(ctx, changed, model.NewFieldSet(model.FieldSubject, model.FieldTimestamp))
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "new subject", got.Subject)
	assert.True(t, changed.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, orig.Body, got.Body, "body was not clobbered")
}

func TestLastIndexedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(t0)
	s := testutil.NewTestStore(t, store.WithClock(clock.Now))

	msg := testutil.NewMessage("m1")
	_, err := s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.LastIndexed.Equal(t0.Add(time.Minute)))

	// A clock that steps backwards never rewinds the stored value.
	clock.Set(t0.Add(-time.Hour))
	_, err = s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)

	got, err = s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.LastIndexed.Equal(t0.Add(time.Minute)))
}

func TestMaxLastIndexed(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(t0)
	s := testutil.NewTestStore(t, store.WithClock(clock.Now))

	_, ok, err := s.MaxLastIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpsertMessage(ctx, testutil.NewMessage("a"), nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.UpsertMessage(ctx, testutil.NewMessage("b"), nil)
	require.NoError(t, err)

	latest, ok, err := s.MaxLastIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(t0.Add(time.Hour)))
}

func TestMinTimestamp(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, ok, err := s.MinTimestamp(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	undated := testutil.NewMessage("undated")
	undated.Timestamp = time.Time{}
	older := testutil.NewMessage("older")
	older.Timestamp = t0.Add(-48 * time.Hour)
	newer := testutil.NewMessage("newer")
	newer.Timestamp = t0

	for _, m := range []model.Message{undated, newer, older} {
		_, err := s.UpsertMessage(ctx, m, nil)
		require.NoError(t, err)
	}

	oldest, ok, err := s.MinTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, oldest.Equal(t0.Add(-48*time.Hour)), oldest)
}

func TestMarkDeleted(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	for _, id := range []string{"A", "B", "C"} {
		_, err := s.UpsertMessage(ctx, testutil.NewMessage(id), nil)
		require.NoError(t, err)
	}

	live := map[string]struct{}{"A": {}, "C": {}}
	n, err := s.MarkDeleted(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, wantDeleted := range map[string]bool{"A": false, "B": true, "C": false} {
		got, err := s.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantDeleted, got.IsDeleted, id)
	}

	// Idempotent: B is already flagged.
	n, err = s.MarkDeleted(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkDeletedSurvivesResync(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage("B")
	_, err := s.UpsertMessage(ctx, msg, nil)
	require.NoError(t, err)
	_, err = s.MarkDeleted(ctx, map[string]struct{}{})
	require.NoError(t, err)

	msg.IsDeleted = false
	_, err = s.UpsertMessage(ctx, msg, model.NewFieldSet(model.AllFields...))
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "B")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestMarkDeletedLargeSet(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	live := map[string]struct{}{}
	for i := range 1200 {
		id := fmt.Sprintf("m%04d", i)
		_, err := s.UpsertMessage(ctx, testutil.NewMessage(id), nil)
		require.NoError(t, err)
		if i%3 == 0 {
			live[id] = struct{}{}
		}
	}

	n, err := s.MarkDeleted(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, 800, n)

	counts, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1200, counts.Total)
	assert.Equal(t, 800, counts.Deleted)
}

func TestMessageExists(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	ok, err := s.MessageExists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpsertMessage(ctx, testutil.NewMessage("m1"), nil)
	require.NoError(t, err)

	ok, err = s.MessageExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMessageNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.UpsertMessage(context.Background(), model.Message{}, nil)
	require.Error(t, err)
	assert.True(t, store.IsStoreError(err))
}

func TestConcurrentUpsertsOfSameID(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpsertMessage(ctx, testutil.NewMessage("same"), nil)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	counts, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/messages.db"

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.UpsertMessage(ctx, testutil.NewMessage("m1"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.MessageExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}
