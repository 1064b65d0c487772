package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned by lookups for a message id that is not stored.
var ErrNotFound = errors.New("message not found")

// Error wraps a failed store operation. Sync workers count these as
// store failures and carry on with the next message.
type Error struct {
	Op        string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsStoreError reports whether err (or any error in its chain) is an Error.
func IsStoreError(err error) bool {
	var storeErr *Error
	return errors.As(err, &storeErr)
}

// Store defines the persistence interface for mirrored messages.
//
// Every write is applied atomically per message and is safe to call from
// many goroutines.
type Store interface {
	// UpsertMessage creates msg if its id is unknown and reports created
	// as true. For an existing row only labels, read and outgoing status
	// and last_indexed are refreshed, plus any field named in clobber.
	// The deleted flag is never touched.
	UpsertMessage(ctx context.Context, msg model.Message, clobber model.FieldSet) (created bool, err error)

	// MessageExists reports whether a row with the given id is stored.
	MessageExists(ctx context.Context, id string) (bool, error)

	// MaxLastIndexed returns the most recent last_indexed value. ok is
	// false when the store is empty.
	MaxLastIndexed(ctx context.Context) (t time.Time, ok bool, err error)

	// MinTimestamp returns the oldest known message timestamp. ok is false
	// when no stored message has one.
	MinTimestamp(ctx context.Context) (t time.Time, ok bool, err error)

	// MarkDeleted flags every stored, not yet deleted message whose id is
	// absent from live. It returns the number of rows newly flagged.
	MarkDeleted(ctx context.Context, live map[string]struct{}) (int, error)

	GetMessage(ctx context.Context, id string) (*model.Message, error)
	MessageIDs(ctx context.Context) ([]string, error)
	CountMessages(ctx context.Context) (MessageCounts, error)

	Close() error
}

// MessageCounts summarizes the stored mailbox.
type MessageCounts struct {
	Total   int `db:"total"`
	Deleted int `db:"deleted"`
	Unread  int `db:"unread"`
}
