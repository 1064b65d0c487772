package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/model"
)

// GuardOptions configures Guard. A zero RPS disables rate limiting and a
// zero ConsecutiveFailures disables the circuit breaker.
type GuardOptions struct {
	RPS   float64
	Burst int

	ConsecutiveFailures uint32
	OpenTimeout         time.Duration

	Logger zerolog.Logger
}

// guarded throttles a Source and stops hammering it once it keeps failing.
type guarded struct {
	Source
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Guard wraps src with a token bucket limiter and a circuit breaker. While
// the breaker is open calls fail fast with a *TransientError, so callers
// back off and retry. Not-found and auth failures are treated as answers
// from a healthy remote and never trip the breaker.
func Guard(src Source, opts GuardOptions) Source {
	g := &guarded{Source: src}

	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	if opts.ConsecutiveFailures > 0 {
		log := opts.Logger
		threshold := opts.ConsecutiveFailures
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(src.Type()),
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				var stop *yieldError
				return err == nil || IsNotFound(err) || IsAuthError(err) ||
					errors.Is(err, context.Canceled) || errors.As(err, &stop)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
	}

	return g
}

// yieldError carries an error returned by the caller's yield out through
// the breaker. It is the caller stopping, not the remote failing.
type yieldError struct{ err error }

func (e *yieldError) Error() string { return e.err.Error() }
func (e *yieldError) Unwrap() error { return e.err }

func (g *guarded) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

func (g *guarded) call(ctx context.Context, fn func() error) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if g.breaker == nil {
		return fn()
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{SourceType: g.Type(), Err: err}
	}
	return err
}

// list runs a paged listing with every page rate limited. Errors from
// yield come back unchanged and do not count against the breaker.
func (g *guarded) list(ctx context.Context, yield func(string) error, fn func(context.Context, func(string) error) error) error {
	if g.limiter != nil {
		ctx = WithPageWait(ctx, g.wait)
	}
	err := g.call(ctx, func() error {
		return fn(ctx, func(id string) error {
			if err := yield(id); err != nil {
				return &yieldError{err: err}
			}
			return nil
		})
	})
	var stop *yieldError
	if errors.As(err, &stop) {
		return stop.err
	}
	return err
}

func (g *guarded) ListCandidateIDs(ctx context.Context, since time.Time, yield func(string) error) error {
	return g.list(ctx, yield, func(ctx context.Context, yield func(string) error) error {
		return g.Source.ListCandidateIDs(ctx, since, yield)
	})
}

func (g *guarded) ListOlderIDs(ctx context.Context, before time.Time, yield func(string) error) error {
	return g.list(ctx, yield, func(ctx context.Context, yield func(string) error) error {
		return g.Source.ListOlderIDs(ctx, before, yield)
	})
}

func (g *guarded) Fetch(ctx context.Context, id string) (*model.Message, error) {
	var msg *model.Message
	err := g.call(ctx, func() error {
		var err error
		msg, err = g.Source.Fetch(ctx, id)
		return err
	})
	return msg, err
}

func (g *guarded) ListLiveIDs(ctx context.Context) (map[string]struct{}, error) {
	if g.limiter != nil {
		ctx = WithPageWait(ctx, g.wait)
	}
	var ids map[string]struct{}
	err := g.call(ctx, func() error {
		var err error
		ids, err = g.Source.ListLiveIDs(ctx)
		return err
	})
	return ids, err
}
