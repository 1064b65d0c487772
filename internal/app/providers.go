package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/events"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/source/imap"
	"github.com/nhle/mailsync/internal/store"
)

// openProvider builds the Gmail or IMAP source named by cfg.Provider.
func openProvider(ctx context.Context, cfg *model.AppConfig, log zerolog.Logger) (source.Source, error) {
	switch cfg.Provider {
	case model.ProviderGmail:
		src, err := gmail.NewFromConfig(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return src, nil

	case model.ProviderIMAP:
		if cfg.IMAP.Host == "" || cfg.IMAP.Username == "" {
			return nil, fmt.Errorf("imap host and username are not configured, run `mailsync auth imap` first")
		}
		password, err := credential.IMAPPassword(cfg.IMAP.Username, cfg.IMAP.Host)
		if errors.Is(err, credential.ErrMissing) {
			return nil, &source.AuthError{
				SourceType: source.TypeIMAP,
				Message:    "no stored password, run `mailsync auth imap` or set " + credential.PasswordEnv,
			}
		}
		if err != nil {
			return nil, err
		}
		return imap.NewFromConfig(cfg.IMAP, password, log), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// openGuardedSource opens the provider behind the rate limiter and
// circuit breaker.
func (a *App) openGuardedSource(ctx context.Context) (source.Source, error) {
	src, err := a.OpenSource(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}

	opts := source.GuardOptions{
		RPS:    a.cfg.RateLimit.RPS,
		Burst:  a.cfg.RateLimit.Burst,
		Logger: a.log,
	}
	if a.cfg.Breaker.Enabled {
		opts.ConsecutiveFailures = a.cfg.Breaker.ConsecutiveFailures
		opts.OpenTimeout = a.cfg.Breaker.OpenTimeout
	}
	return source.Guard(src, opts), nil
}

func (a *App) openStore() (*store.SQLiteStore, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", a.cfg.DataDir, err)
	}
	return store.NewSQLiteStore(a.cfg.DatabasePath())
}

// openPublisher connects the change feed when one is configured. A feed
// that cannot be reached is logged and skipped.
func (a *App) openPublisher() events.Publisher {
	ev := a.cfg.Events
	if ev.NATSURL == "" {
		return events.Nop{}
	}

	pub, err := events.NewNATSPublisher(events.NATSOptions{
		URL:     ev.NATSURL,
		Stream:  ev.Stream,
		Subject: ev.Subject,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("url", ev.NATSURL).Msg("change feed unavailable, continuing without it")
		return events.Nop{}
	}
	return pub
}

func (a *App) retryPolicy() retry.Policy {
	rc := a.cfg.Retry
	log := a.log
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		Multiplier:  rc.Multiplier,
		MaxDelay:    rc.MaxDelay,
		Jitter:      rc.Jitter,
		Classify:    source.Classify,
		OnRetry: func(op string, attempt int, delay time.Duration, err error) {
			log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("retrying")
		},
	}
}
