// Package imap mirrors the mailboxes of an IMAP account. A message that
// sits in several mailboxes is stored once, labeled with every mailbox
// that holds it.
package imap

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/mailparse"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

const (
	fetchBatch      = 500
	syntheticPrefix = "synthetic-"
)

var syntheticNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailsync:imap"))

// Options configures a Source.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS; otherwise the session is upgraded with
	// STARTTLS. Ignored when Dial is set.
	TLS bool

	// Mailboxes limits the sync. Empty means every selectable mailbox.
	Mailboxes   []string
	Connections int

	Dial   DialFunc
	Logger zerolog.Logger
}

type location struct {
	mailbox string
	uid     imap.UID
}

// Source implements source.Source over IMAP.
type Source struct {
	opts Options
	pool *pool

	mu        gosync.Mutex
	mailboxes []string
	sent      map[string]bool
	index     map[string][]location
}

var _ source.Source = (*Source)(nil)

// New returns a Source. No connection is made until the first call.
func New(opts Options) *Source {
	dial := opts.Dial
	if dial == nil {
		if opts.TLS {
			dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialTLS(addr, nil) }
		} else {
			dial = func(addr string) (*imapclient.Client, error) { return imapclient.DialStartTLS(addr, nil) }
		}
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	return &Source{
		opts:  opts,
		pool:  newPool(addr, opts.Username, opts.Password, opts.Connections, dial),
		index: make(map[string][]location),
	}
}

// NewFromConfig builds a Source for the configured account.
func NewFromConfig(cfg model.IMAPConfig, password string, logger zerolog.Logger) *Source {
	return New(Options{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Username:    cfg.Username,
		Password:    password,
		TLS:         cfg.TLS,
		Mailboxes:   cfg.Mailboxes,
		Connections: cfg.Connections,
		Logger:      logger.With().Str("source", string(source.TypeIMAP)).Logger(),
	})
}

func (s *Source) Type() source.Type { return source.TypeIMAP }

// ListCandidateIDs scans every mailbox before yielding so that a fetched
// message already knows all of its mailboxes. IMAP SINCE has day
// granularity; the window starts a day early to cover time zones.
func (s *Source) ListCandidateIDs(ctx context.Context, since time.Time, yield func(string) error) error {
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since.AddDate(0, 0, -1)
	}
	return s.listMatching(ctx, criteria, yield)
}

// ListOlderIDs is the backward counterpart of ListCandidateIDs. BEFORE is
// exclusive and day grained, so the window ends a day late.
func (s *Source) ListOlderIDs(ctx context.Context, before time.Time, yield func(string) error) error {
	return s.listMatching(ctx, &imap.SearchCriteria{Before: before.AddDate(0, 0, 1)}, yield)
}

func (s *Source) listMatching(ctx context.Context, criteria *imap.SearchCriteria, yield func(string) error) error {
	found, order, err := s.scan(ctx, criteria)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for id, locs := range found {
		s.index[id] = locs
	}
	s.mu.Unlock()

	for _, id := range order {
		if err := yield(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) ListLiveIDs(ctx context.Context) (map[string]struct{}, error) {
	found, _, err := s.scan(ctx, &imap.SearchCriteria{})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index = found
	s.mu.Unlock()

	live := make(map[string]struct{}, len(found))
	for id := range found {
		live[id] = struct{}{}
	}
	return live, nil
}

// scan searches every mailbox and groups the hits by message id. order
// holds each id once, in the order first seen.
func (s *Source) scan(ctx context.Context, criteria *imap.SearchCriteria) (map[string][]location, []string, error) {
	boxes, err := s.resolveMailboxes(ctx)
	if err != nil {
		return nil, nil, err
	}

	found := make(map[string][]location)
	var order []string
	for i, box := range boxes {
		if i > 0 {
			if err := source.WaitPage(ctx); err != nil {
				return nil, nil, err
			}
		}
		err := s.pool.with(ctx, func(c *conn) error {
			return scanMailbox(ctx, c, box, criteria, func(id string, uid imap.UID) {
				if _, ok := found[id]; !ok {
					order = append(order, id)
				}
				found[id] = append(found[id], location{mailbox: box, uid: uid})
			})
		})
		if err != nil {
			return nil, nil, classifyError(err, "listing "+box)
		}
		s.opts.Logger.Debug().Str("mailbox", box).Int("ids", len(order)).Msg("scanned mailbox")
	}
	return found, order, nil
}

func scanMailbox(ctx context.Context, c *conn, box string, criteria *imap.SearchCriteria, fn func(id string, uid imap.UID)) error {
	if err := c.selectMailbox(box); err != nil {
		return err
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("searching %s: %w", box, err)
	}

	uids := data.AllUIDs()
	for start := 0; start < len(uids); start += fetchBatch {
		if start > 0 {
			if err := source.WaitPage(ctx); err != nil {
				return err
			}
		}
		end := min(start+fetchBatch, len(uids))
		bufs, err := c.client.Fetch(imap.UIDSetNum(uids[start:end]...), &imap.FetchOptions{
			UID:      true,
			Envelope: true,
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetching envelopes in %s: %w", box, err)
		}
		for _, buf := range bufs {
			fn(messageKey(buf.Envelope, box, buf.UID), buf.UID)
		}
	}
	return nil
}

// resolveMailboxes lists the account's mailboxes once per Source.
func (s *Source) resolveMailboxes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if s.mailboxes != nil {
		boxes := s.mailboxes
		s.mu.Unlock()
		return boxes, nil
	}
	s.mu.Unlock()

	var list []*imap.ListData
	err := s.pool.with(ctx, func(c *conn) error {
		var err error
		list, err = c.client.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, classifyError(err, "listing mailboxes")
	}

	boxes, sent := selectable(list, s.opts.Mailboxes)
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no selectable mailboxes match %v", s.opts.Mailboxes)
	}

	s.mu.Lock()
	s.mailboxes = boxes
	s.sent = sent
	s.mu.Unlock()
	return boxes, nil
}

// selectable filters a LIST reply down to the mailboxes to sync and
// reports which of them hold sent mail.
func selectable(list []*imap.ListData, want []string) ([]string, map[string]bool) {
	var boxes []string
	sent := make(map[string]bool)
	for _, l := range list {
		if slices.Contains(l.Attrs, imap.MailboxAttrNoSelect) || slices.Contains(l.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		if len(want) > 0 && !containsFold(want, l.Mailbox) {
			continue
		}
		boxes = append(boxes, l.Mailbox)
		if slices.Contains(l.Attrs, imap.MailboxAttrSent) || strings.EqualFold(l.Mailbox, "Sent") {
			sent[l.Mailbox] = true
		}
	}
	return boxes, sent
}

func (s *Source) Fetch(ctx context.Context, id string) (*model.Message, error) {
	locs, err := s.locations(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, source.ErrNotFound)
	}

	var (
		buf *imapclient.FetchMessageBuffer
		raw []byte
	)
	section := &imap.FetchItemBodySection{Peek: true}
	err = s.pool.with(ctx, func(c *conn) error {
		if err := c.selectMailbox(locs[0].mailbox); err != nil {
			return err
		}
		bufs, err := c.client.Fetch(imap.UIDSetNum(locs[0].uid), &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			Envelope:     true,
			RFC822Size:   true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}
		if len(bufs) == 0 {
			return fmt.Errorf("uid %d in %s: %w", locs[0].uid, locs[0].mailbox, source.ErrNotFound)
		}
		buf = bufs[0]
		raw = buf.FindBodySection(section)
		return nil
	})
	if err != nil {
		if source.IsNotFound(err) {
			s.forget(id)
		}
		return nil, classifyError(err, "fetching message "+id)
	}

	labels := make([]string, 0, len(locs))
	outgoing := false
	s.mu.Lock()
	for _, l := range locs {
		if !slices.Contains(labels, l.mailbox) {
			labels = append(labels, l.mailbox)
		}
		outgoing = outgoing || s.sent[l.mailbox]
	}
	s.mu.Unlock()

	msg := buildMessage(id, buf, raw, labels)
	if msg.Sender.Email != "" && strings.EqualFold(msg.Sender.Email, s.opts.Username) {
		outgoing = true
	}
	msg.IsOutgoing = outgoing
	return msg, nil
}

// locations returns where id lives, searching by Message-ID header when
// it has not been listed yet.
func (s *Source) locations(ctx context.Context, id string) ([]location, error) {
	s.mu.Lock()
	locs, ok := s.index[id]
	s.mu.Unlock()
	if ok || strings.HasPrefix(id, syntheticPrefix) {
		return locs, nil
	}

	boxes, err := s.resolveMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: id}},
	}
	for _, box := range boxes {
		err := s.pool.with(ctx, func(c *conn) error {
			if err := c.selectMailbox(box); err != nil {
				return err
			}
			data, err := c.client.UIDSearch(criteria, nil).Wait()
			if err != nil {
				return err
			}
			for _, uid := range data.AllUIDs() {
				locs = append(locs, location{mailbox: box, uid: uid})
			}
			return nil
		})
		if err != nil {
			return nil, classifyError(err, "searching for "+id)
		}
	}

	if len(locs) > 0 {
		s.mu.Lock()
		s.index[id] = locs
		s.mu.Unlock()
	}
	return locs, nil
}

func (s *Source) forget(id string) {
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
}

func (s *Source) Close() error {
	s.pool.close()
	return nil
}

// messageKey is the Message-ID header without brackets. Messages without
// one get a stable synthetic id derived from date, sender and subject, or
// from the mailbox and UID when the envelope carries none of those.
func messageKey(env *imap.Envelope, box string, uid imap.UID) string {
	if env != nil {
		if id := strings.Trim(strings.TrimSpace(env.MessageID), "<>"); id != "" {
			return id
		}
	}
	if env == nil || (env.Date.IsZero() && len(env.From) == 0 && env.Subject == "") {
		key := fmt.Sprintf("uid|%s|%d", box, uid)
		return syntheticPrefix + uuid.NewSHA1(syntheticNamespace, []byte(key)).String()
	}

	var b strings.Builder
	b.WriteString(env.Date.UTC().Format(time.RFC3339))
	for _, a := range env.From {
		b.WriteString("|")
		b.WriteString(strings.ToLower(a.Addr()))
	}
	b.WriteString("|")
	b.WriteString(env.Subject)
	return syntheticPrefix + uuid.NewSHA1(syntheticNamespace, []byte(b.String())).String()
}

// buildMessage assembles a message from a fetch reply. Header fields come
// from the raw body when it parses and from the envelope otherwise.
func buildMessage(id string, buf *imapclient.FetchMessageBuffer, raw []byte, labels []string) *model.Message {
	msg := &model.Message{
		MessageID: id,
		Labels:    labels,
		Size:      buf.RFC822Size,
		IsRead:    slices.Contains(buf.Flags, imap.FlagSeen),
	}

	var parsed *mailparse.Parsed
	if len(raw) > 0 {
		parsed, _ = mailparse.Parse(raw)
	}

	if parsed != nil {
		msg.Sender = parsed.From
		msg.Recipients = parsed.Recipients
		msg.Subject = parsed.Subject
		msg.Body = parsed.Text
		msg.Timestamp = parsed.Date
	} else if env := buf.Envelope; env != nil {
		if len(env.From) > 0 {
			msg.Sender = envelopeAddress(env.From[0])
		}
		msg.Recipients = model.Recipients{
			To:  envelopeAddresses(env.To),
			Cc:  envelopeAddresses(env.Cc),
			Bcc: envelopeAddresses(env.Bcc),
		}
		msg.Subject = env.Subject
		msg.Timestamp = env.Date.UTC()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = buf.InternalDate.UTC()
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}
	return msg
}

func envelopeAddress(a imap.Address) model.Address {
	return model.Address{Name: a.Name, Email: strings.ToLower(a.Addr())}
}

func envelopeAddresses(list []imap.Address) []model.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, envelopeAddress(a))
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
