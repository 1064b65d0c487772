package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
)

// Type identifies the kind of remote mailbox.
type Type string

const (
	TypeGmail Type = "gmail"
	TypeIMAP  Type = "imap"
)

// ErrNotFound is returned by Fetch when the message no longer exists on
// the remote.
var ErrNotFound = errors.New("message not found on remote")

// AuthError indicates that authentication has failed or expired. It is
// never retried.
type AuthError struct {
	SourceType Type
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.SourceType, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s): %s", e.SourceType, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransientError marks a failure that may succeed when retried: timeouts,
// dropped connections, rate limiting, server errors.
type TransientError struct {
	SourceType Type
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (%s): %v", e.SourceType, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var tErr *TransientError
	return errors.As(err, &tErr)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Classify maps a provider error to a retry decision. Errors the provider
// did not classify are retried; the attempt budget bounds them.
func Classify(err error) retry.Class {
	switch {
	case IsNotFound(err):
		return retry.NotFound
	case IsAuthError(err):
		return retry.Fatal
	}
	return retry.Retryable
}

// Source is a remote mailbox the sync engine can mirror.
type Source interface {
	// Type returns the source type identifier.
	Type() Type

	// ListCandidateIDs calls yield for every message id that may have
	// changed since the given time, page by page. A zero since lists
	// everything. Ids may be reported more than once. Listing stops when
	// yield returns an error, and that error is returned.
	ListCandidateIDs(ctx context.Context, since time.Time, yield func(id string) error) error

	// ListOlderIDs calls yield for every message dated before the given
	// time. It backfills history an interrupted sync never reached.
	// Providers may over-report ids near the boundary.
	ListOlderIDs(ctx context.Context, before time.Time, yield func(id string) error) error

	// Fetch retrieves the full message. It returns an error wrapping
	// ErrNotFound when the message is gone, a *TransientError for
	// retryable failures and an *AuthError when credentials are bad.
	Fetch(ctx context.Context, id string) (*model.Message, error)

	// ListLiveIDs returns the complete set of ids currently on the remote.
	ListLiveIDs(ctx context.Context) (map[string]struct{}, error)

	// Close releases connections held by the source.
	Close() error
}

type pageWaitKey struct{}

// WithPageWait returns a context under which WaitPage calls wait. Guard
// uses it to apply its rate limit to every page of a listing.
func WithPageWait(ctx context.Context, wait func(context.Context) error) context.Context {
	return context.WithValue(ctx, pageWaitKey{}, wait)
}

// WaitPage blocks until the next listing page may be requested. Providers
// call it before every page after the first.
func WaitPage(ctx context.Context) error {
	if wait, ok := ctx.Value(pageWaitKey{}).(func(context.Context) error); ok {
		return wait(ctx)
	}
	return nil
}
