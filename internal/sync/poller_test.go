package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/testutil"
)

func TestPollerSyncsOnTriggerUntilDrained(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(testutil.NewMessage("1"))

	ctrl := newController(t)
	p := NewPoller(h.sync, Options{Mode: ModeFull, Workers: 2, QueueSize: 4}, time.Hour)

	results := make(chan *Summary, 4)
	p.OnResult = func(s *Summary) { results <- s }

	done := make(chan error, 1)
	go func() { done <- p.Run(ctrl) }()

	first := <-results
	assert.Equal(t, ModeIncremental, first.Mode)
	assert.Equal(t, 1, first.Created)

	h.fake.Add(testutil.NewMessage("2"))
	p.Trigger()
	second := <-results
	assert.Equal(t, StateDone, second.State)

	require.Eventually(t, func() bool { return p.Status().State == PollIdle }, time.Second, time.Millisecond)
	assert.Equal(t, 2, p.Status().Runs)

	ctrl.Drain()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPollerStopsOnAuthError(t *testing.T) {
	h := newHarness(t)
	h.fake.FailListing(&source.AuthError{SourceType: "fake", Message: "expired"})

	p := NewPoller(h.sync, Options{Workers: 1, QueueSize: 1}, time.Hour)
	err := p.Run(newController(t))

	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Equal(t, PollError, p.Status().State)
}
