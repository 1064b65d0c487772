package sync

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/shutdown"
	"github.com/nhle/mailsync/internal/source"
)

// PollState represents the current state of the watch loop.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollRunning:
		return "running"
	case PollError:
		return "error"
	}
	return "unknown"
}

// PollStatus holds the watch loop status.
type PollStatus struct {
	State    PollState
	Runs     int
	LastSync time.Time
	Last     *Summary
	Error    error
}

// Poller repeats incremental syncs on an interval until shutdown.
type Poller struct {
	syncer   *Syncer
	opts     Options
	interval time.Duration
	log      zerolog.Logger

	// OnResult, if set, receives the summary of every run.
	OnResult func(*Summary)

	triggerCh chan struct{}
	mu        gosync.Mutex
	status    PollStatus
}

// NewPoller creates a Poller. The mode in opts is forced to incremental.
func NewPoller(s *Syncer, opts Options, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	opts.Mode = ModeIncremental
	return &Poller{
		syncer:    s,
		opts:      opts,
		interval:  interval,
		log:       s.log.With().Str("component", "poller").Logger(),
		triggerCh: make(chan struct{}, 1),
	}
}

// Run syncs immediately and then on every tick or trigger until ctrl
// starts draining. An authentication failure ends the loop with an
// error; other failed runs are retried on the next tick.
func (p *Poller) Run(ctrl *shutdown.Controller) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.syncOnce(ctrl); err != nil {
			return err
		}
		if ctrl.Stopping() {
			return nil
		}

		select {
		case <-ctrl.Draining():
			return nil
		case <-ticker.C:
		case <-p.triggerCh:
		}
	}
}

// Trigger requests an immediate sync. Requests made while one is pending
// are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current status.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) syncOnce(ctrl *shutdown.Controller) error {
	p.setStatus(func(s *PollStatus) { s.State = PollRunning })

	sum, err := p.syncer.Run(ctrl, p.opts)

	p.setStatus(func(s *PollStatus) {
		s.Runs++
		s.Last = sum
		s.Error = err
		if err != nil {
			s.State = PollError
			return
		}
		s.State = PollIdle
		s.LastSync = time.Now()
	})
	if p.OnResult != nil {
		p.OnResult(sum)
	}

	if source.IsAuthError(err) {
		return fmt.Errorf("watch stopped: %w", err)
	}
	if err != nil {
		p.log.Warn().Err(err).Dur("retry_in", p.interval).Msg("sync failed, will retry")
	}
	return nil
}

// setStatus updates the status under the lock.
func (p *Poller) setStatus(fn func(*PollStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.status)
}
