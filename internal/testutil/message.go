package testutil

import (
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// NewMessage returns a fully populated message with the given id.
func NewMessage(id string) model.Message {
	return model.Message{
		MessageID: id,
		ThreadID:  "thread-" + id,
		Sender:    model.Address{Name: "Alice", Email: "alice@example.com"},
		Recipients: model.Recipients{
			To: []model.Address{{Name: "Bob", Email: "bob@example.com"}},
			Cc: []model.Address{{Email: "carol@example.com"}},
		},
		Labels:    []string{"INBOX"},
		Subject:   "Subject " + id,
		Body:      "Body of " + id,
		Size:      1024,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		IsRead:    false,
	}
}

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t, forwards or backwards.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
