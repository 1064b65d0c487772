// Package events publishes a change feed of mirrored messages.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeMessageCreated = "message.created"
	TypeMessageUpdated = "message.updated"
	TypeSyncCompleted  = "sync.completed"
)

// Event is one entry in the change feed.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	MessageID string    `json:"message_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Time      time.Time `json:"time"`

	// Summary is set on sync.completed events.
	Summary *RunSummary `json:"summary,omitempty"`
}

// RunSummary is the payload of a sync.completed event.
type RunSummary struct {
	Mode        string `json:"mode"`
	State       string `json:"state"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	StoreFailed int    `json:"store_failed"`
	Cancelled   int    `json:"cancelled"`
	Deleted     int    `json:"deleted"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
