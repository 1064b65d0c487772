package app

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/shutdown"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/ui/progress"
	"github.com/nhle/mailsync/internal/ui/summary"
)

// syncFlags are the run selectors of the sync command.
type syncFlags struct {
	fullSync    bool
	messageID   string
	deletedOnly bool
	clobber     []string
	progress    bool
}

func (a *App) syncCommand() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print its summary",
		Long: "Without flags, fetches messages changed since the last sync.\n" +
			"--full-sync lists every message and then marks the ones gone from the\n" +
			"remote as deleted. --message-id fetches a single message and\n" +
			"--deleted-only only reconciles deletions.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.syncOptions(f)
			if err != nil {
				return err
			}
			return a.runOnce(cmd.Context(), opts, f.progress)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.fullSync, "full-sync", false, "list every message and reconcile deletions")
	flags.StringVar(&f.messageID, "message-id", "", "fetch only this message id")
	flags.BoolVar(&f.deletedOnly, "deleted-only", false, "only mark messages deleted on the remote")
	flags.StringSliceVar(&f.clobber, "clobber", nil, "fields to overwrite on existing messages, comma separated")
	flags.BoolVar(&f.progress, "progress", false, "show a live progress view")
	cmd.MarkFlagsMutuallyExclusive("full-sync", "message-id", "deleted-only")

	return cmd
}

// syncOptions turns flags and configuration into run options.
func (a *App) syncOptions(f syncFlags) (sync.Options, error) {
	clobber, err := model.ParseFieldSet(f.clobber)
	if err != nil {
		return sync.Options{}, err
	}
	abort, err := sync.ParseAbortMode(a.cfg.AbortMode)
	if err != nil {
		return sync.Options{}, err
	}

	opts := sync.Options{
		Mode:      sync.ModeIncremental,
		Clobber:   clobber,
		Workers:   a.cfg.Workers,
		QueueSize: a.cfg.QueueSize,
		AbortMode: abort,
	}
	switch {
	case f.deletedOnly:
		opts.Mode = sync.ModeDeletionOnly
	case f.messageID != "":
		opts.Mode = sync.ModeSingle
		opts.MessageID = f.messageID
	case f.fullSync:
		opts.Mode = sync.ModeFull
	}
	return opts, nil
}

// session is everything a run needs, opened once per command.
type session struct {
	store  *store.SQLiteStore
	syncer *sync.Syncer
	ctrl   *shutdown.Controller
	close  func()
}

// openSession opens the store, the provider and the change feed, and
// installs the signal handler. A failure is reported as an aborted run.
func (a *App) openSession(ctx context.Context, mode sync.Mode) (*session, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, a.abortSetup(mode, err)
	}

	src, err := a.openGuardedSource(ctx)
	if err != nil {
		_ = st.Close()
		return nil, a.abortSetup(mode, err)
	}

	pub := a.openPublisher()
	ctrl := shutdown.New(ctx)
	notifyCtx, stopNotify := context.WithCancel(ctx)
	ctrl.Notify(notifyCtx, a.onSignal, os.Interrupt, syscall.SIGTERM)

	syncer := sync.NewSyncer(src, st, a.retryPolicy()).
		WithLogger(a.log).
		WithPublisher(pub)

	return &session{
		store:  st,
		syncer: syncer,
		ctrl:   ctrl,
		close: func() {
			stopNotify()
			ctrl.Close()
			if err := pub.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing event publisher")
			}
			if err := src.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing provider")
			}
			if err := st.Close(); err != nil {
				a.log.Warn().Err(err).Msg("closing store")
			}
		},
	}, nil
}

func (a *App) runOnce(ctx context.Context, opts sync.Options, showProgress bool) error {
	s, err := a.openSession(ctx, opts.Mode)
	if err != nil {
		return err
	}
	defer s.close()

	var sum *sync.Summary
	if showProgress {
		view := progress.New(s.ctrl, opts.Mode, a.Stderr)
		s.syncer.WithProgress(view)
		sum, _ = view.Run(func() (*sync.Summary, error) {
			return s.syncer.Run(s.ctrl, opts)
		})
	} else {
		sum, _ = s.syncer.Run(s.ctrl, opts)
	}

	return a.finish(sum)
}

func (a *App) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run incremental syncs on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.syncOptions(syncFlags{})
			if err != nil {
				return err
			}
			s, err := a.openSession(cmd.Context(), sync.ModeIncremental)
			if err != nil {
				return err
			}
			defer s.close()

			poller := sync.NewPoller(s.syncer, opts, a.cfg.WatchInterval)
			poller.OnResult = func(sum *sync.Summary) {
				a.log.Info().
					Str("run_id", sum.RunID).
					Int("created", sum.Created).
					Int("updated", sum.Updated).
					Int("failed", sum.Failed).
					Dur("next_in", a.cfg.WatchInterval).
					Msg("watch cycle finished")
			}

			runErr := poller.Run(s.ctrl)
			last := poller.Status().Last
			if last == nil {
				return runErr
			}
			return a.finish(last)
		},
	}

	cmd.Flags().Duration("interval", 0, "time between syncs")
	a.bind("watch_interval", cmd.Flags().Lookup("interval"))
	return cmd
}

// finish prints the summary and converts it to the command's exit status.
func (a *App) finish(sum *sync.Summary) error {
	fmt.Fprintln(a.Stdout, summary.Render(sum))
	if code := sum.ExitCode(); code != sync.ExitOK {
		return &exitError{code: code, err: sum.Err}
	}
	return nil
}

// abortSetup reports a run that could not start as an aborted summary.
func (a *App) abortSetup(mode sync.Mode, err error) error {
	a.log.Error().Err(err).Msg("sync setup failed")
	return a.finish(&sync.Summary{
		Mode:    mode,
		State:   sync.StateAborted,
		Started: time.Now(),
		Err:     err,
	})
}

func (a *App) onSignal(l shutdown.Level) {
	switch l {
	case shutdown.Graceful:
		a.log.Warn().Msg("interrupt received, finishing in-flight messages; interrupt again to stop now")
	case shutdown.Forced:
		a.log.Warn().Msg("second interrupt received, stopping now")
	}
}
