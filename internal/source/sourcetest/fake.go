// Package sourcetest provides an in-memory Source for tests.
package sourcetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Fake is a scriptable in-memory mailbox. Messages are listed in insertion
// order. All methods are safe for concurrent use.
type Fake struct {
	// FetchHook, if set, runs at the start of every Fetch. It may block
	// and its error, if any, is returned from Fetch.
	FetchHook func(ctx context.Context, id string) error

	mu         sync.Mutex
	order      []string
	messages   map[string]model.Message
	listed     map[string]time.Time
	scripted   map[string][]error
	persistent map[string]error
	listErr    error
	liveErr    error
	extraIDs   []string
	fetches    map[string]int
	since      []time.Time
	before     []time.Time
	closed     bool
}

// New returns an empty fake mailbox.
func New() *Fake {
	return &Fake{
		messages:   map[string]model.Message{},
		listed:     map[string]time.Time{},
		scripted:   map[string][]error{},
		persistent: map[string]error{},
		fetches:    map[string]int{},
	}
}

// Add puts messages in the mailbox. Each is listed by every call whose
// since is not after the message's Timestamp.
func (f *Fake) Add(msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if _, ok := f.messages[m.MessageID]; !ok {
			f.order = append(f.order, m.MessageID)
		}
		f.messages[m.MessageID] = m
		f.listed[m.MessageID] = m.Timestamp
	}
}

// Remove deletes ids from the mailbox.
func (f *Fake) Remove(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.messages, id)
		delete(f.listed, id)
	}
	kept := f.order[:0]
	for _, id := range f.order {
		if _, ok := f.messages[id]; ok {
			kept = append(kept, id)
		}
	}
	f.order = kept
}

// ListAlso makes listings report ids that Fetch will not find, the way a
// message deleted between list and fetch behaves.
func (f *Fake) ListAlso(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extraIDs = append(f.extraIDs, ids...)
}

// FailNext makes the next len(errs) fetches of id fail with errs in order.
func (f *Fake) FailNext(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[id] = append(f.scripted[id], errs...)
}

// FailAlways makes every fetch of id fail with err.
func (f *Fake) FailAlways(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistent[id] = err
}

// FailListing makes ListCandidateIDs and ListOlderIDs fail with err.
func (f *Fake) FailListing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailLive makes ListLiveIDs fail with err.
func (f *Fake) FailLive(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveErr = err
}

// Fetches returns how many times id was fetched.
func (f *Fake) Fetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

// TotalFetches returns the number of Fetch calls across all ids.
func (f *Fake) TotalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

// Since returns the since argument of every listing, in call order.
func (f *Fake) Since() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.since...)
}

// Before returns the before argument of every backfill listing, in call
// order.
func (f *Fake) Before() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.before...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Type() source.Type { return "fake" }

func (f *Fake) ListCandidateIDs(ctx context.Context, since time.Time, yield func(string) error) error {
	f.mu.Lock()
	f.since = append(f.since, since)
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return err
	}
	var ids []string
	for _, id := range f.order {
		if since.IsZero() || !f.listed[id].Before(since) {
			ids = append(ids, id)
		}
	}
	ids = append(ids, f.extraIDs...)
	f.mu.Unlock()

	return emit(ctx, ids, yield)
}

func (f *Fake) ListOlderIDs(ctx context.Context, before time.Time, yield func(string) error) error {
	f.mu.Lock()
	f.before = append(f.before, before)
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return err
	}
	var ids []string
	for _, id := range f.order {
		if f.listed[id].Before(before) {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	return emit(ctx, ids, yield)
}

func emit(ctx context.Context, ids []string, yield func(string) error) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(id); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Fetch(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	f.fetches[id]++
	hook := f.FetchHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if errs := f.scripted[id]; len(errs) > 0 {
		f.scripted[id] = errs[1:]
		return nil, errs[0]
	}
	if err, ok := f.persistent[id]; ok {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, source.ErrNotFound
	}
	return &msg, nil
}

func (f *Fake) ListLiveIDs(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	live := make(map[string]struct{}, len(f.messages))
	for id := range f.messages {
		live[id] = struct{}{}
	}
	return live, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IDs returns the ids currently in the mailbox, sorted.
func (f *Fake) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
