// Package retry runs an operation under a bounded exponential backoff
// policy driven by an error classifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the retry decision for an error.
type Class int

const (
	// Retryable errors are attempted again after a backoff delay.
	Retryable Class = iota
	// Fatal errors stop the operation and should abort the whole run.
	Fatal
	// NotFound errors stop the operation; the target no longer exists.
	NotFound
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case NotFound:
		return "not-found"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classifier maps an operation error to a Class.
type Classifier func(error) Class

// ErrCancelled is returned when the context ends before the operation
// succeeds.
var ErrCancelled = errors.New("operation cancelled")

// ErrNotFound is returned when the classifier reports NotFound.
var ErrNotFound = errors.New("not found")

// ExhaustedError reports an operation that kept failing with retryable
// errors until the attempt budget ran out.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// FatalError wraps an error the classifier marked Fatal.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. Each later
	// wait is multiplied by Multiplier and capped at MaxDelay.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// Jitter randomizes each delay by up to ±Jitter of its value.
	Jitter float64

	// Classify decides what to do with a failure. Nil treats every error
	// as retryable.
	Classify Classifier

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(op string, attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when nothing is configured: five
// attempts starting at half a second and doubling, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls fn until it succeeds, the classifier gives up on its error, the
// attempt budget is spent, or ctx ends.
//
// The returned error is nil, a *FatalError, an error wrapping ErrNotFound,
// an *ExhaustedError, or an error wrapping ErrCancelled.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	b := p.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(op, lastErr, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// An error caused by our own cancellation is not the remote's fault.
		if ctx.Err() != nil {
			return cancelled(op, err, ctx.Err())
		}

		switch classify(err) {
		case Fatal:
			return &FatalError{Op: op, Err: err}
		case NotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		}

		if attempt == attempts {
			break
		}

		delay := b.NextBackOff()
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return cancelled(op, lastErr, err)
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

func cancelled(op string, last, ctxErr error) error {
	if last != nil {
		return fmt.Errorf("%s: %w (%w, last error: %v)", op, ErrCancelled, ctxErr, last)
	}
	return fmt.Errorf("%s: %w (%w)", op, ErrCancelled, ctxErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
