// Package gmail mirrors a Gmail mailbox through the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/mailparse"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// listOverlap widens incremental listings. Gmail's after: filter works on
// the internal date, which can trail the moment a message was indexed.
const listOverlap = time.Hour

// Options configures a Source.
type Options struct {
	// Query is a Gmail search expression added to every listing.
	Query    string
	PageSize int64
	Logger   zerolog.Logger
}

// Source implements source.Source for Gmail.
type Source struct {
	api  API
	opts Options

	mu     gosync.Mutex
	labels map[string]string
	// unlisted holds label ids the last labels.list did not return, so
	// they do not force a refresh on every fetch.
	unlisted map[string]struct{}
	refresh  singleflight.Group
}

var _ source.Source = (*Source)(nil)

// New returns a Source that talks to api.
func New(api API, opts Options) *Source {
	return &Source{api: api, opts: opts}
}

// NewFromConfig authorizes with the saved OAuth token and builds a Source
// for the configured account.
func NewFromConfig(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger) (*Source, error) {
	oauthCfg, err := LoadOAuthConfig(cfg.ResolvePath(cfg.Gmail.CredentialsFile))
	if err != nil {
		return nil, err
	}
	tokenPath := cfg.ResolvePath(cfg.Gmail.TokenFile)
	tok, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}

	ts := newSavingTokenSource(oauthCfg.TokenSource(ctx, tok), tokenPath, tok)
	api, err := NewServiceAPI(ctx, cfg.Gmail.User, option.WithTokenSource(oauth2.ReuseTokenSource(tok, ts)))
	if err != nil {
		return nil, err
	}

	return New(api, Options{
		Query:    cfg.Gmail.Query,
		PageSize: cfg.Gmail.PageSize,
		Logger:   logger.With().Str("source", string(source.TypeGmail)).Logger(),
	}), nil
}

func (s *Source) Type() source.Type { return source.TypeGmail }

func (s *Source) ListCandidateIDs(ctx context.Context, since time.Time, yield func(string) error) error {
	query := s.opts.Query
	if !since.IsZero() {
		query = joinQuery(fmt.Sprintf("after:%d", since.Add(-listOverlap).Unix()), query)
	}
	s.opts.Logger.Debug().Str("query", query).Msg("listing messages")
	return s.list(ctx, query, yield)
}

// ListOlderIDs lists messages dated before the given time, widened by
// the same overlap as incremental listings.
func (s *Source) ListOlderIDs(ctx context.Context, before time.Time, yield func(string) error) error {
	query := joinQuery(fmt.Sprintf("before:%d", before.Add(listOverlap).Unix()), s.opts.Query)
	s.opts.Logger.Debug().Str("query", query).Msg("backfilling messages")
	return s.list(ctx, query, yield)
}

func (s *Source) ListLiveIDs(ctx context.Context) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	err := s.list(ctx, s.opts.Query, func(id string) error {
		live[id] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return live, nil
}

// list pages through query. Errors returned by yield are passed through
// untouched so callers can recognize their own sentinels.
func (s *Source) list(ctx context.Context, query string, yield func(string) error) error {
	var yieldErr error
	err := s.api.ListMessages(ctx, query, s.opts.PageSize, func(ids []string) error {
		for _, id := range ids {
			if err := yield(id); err != nil {
				yieldErr = err
				return err
			}
		}
		return nil
	})
	if yieldErr != nil {
		return yieldErr
	}
	if err != nil {
		return classifyError(err, "listing messages")
	}
	return nil
}

func (s *Source) Fetch(ctx context.Context, id string) (*model.Message, error) {
	raw, err := s.api.GetRawMessage(ctx, id)
	if err != nil {
		if isStatus(err, http.StatusBadRequest) {
			return nil, fmt.Errorf("fetching message %s: %w: %w", id, source.ErrNotFound, err)
		}
		return nil, classifyError(err, "fetching message "+id)
	}

	labels, err := s.labelNames(ctx, raw.LabelIds)
	if err != nil {
		return nil, err
	}
	return s.toMessage(raw, labels), nil
}

func (s *Source) Close() error { return nil }

func (s *Source) toMessage(raw *gmailapi.Message, labels []string) *model.Message {
	msg := &model.Message{
		MessageID: raw.Id,
		ThreadID:  raw.ThreadId,
		Labels:    labels,
		Size:      raw.SizeEstimate,
		IsRead:    !hasLabel(raw.LabelIds, "UNREAD"),
		// SENT is applied to everything the account sent, including
		// messages addressed to itself.
		IsOutgoing: hasLabel(raw.LabelIds, "SENT"),
	}
	if raw.InternalDate > 0 {
		msg.Timestamp = time.UnixMilli(raw.InternalDate).UTC()
	}

	data, err := decodeRaw(raw.Raw)
	if err == nil {
		var parsed *mailparse.Parsed
		parsed, err = mailparse.Parse(data)
		if err == nil {
			msg.Sender = parsed.From
			msg.Recipients = parsed.Recipients
			msg.Subject = parsed.Subject
			msg.Body = parsed.Text
			if msg.Timestamp.IsZero() {
				msg.Timestamp = parsed.Date
			}
			if msg.Size == 0 {
				msg.Size = int64(len(data))
			}
			return msg
		}
	}

	s.opts.Logger.Warn().Err(err).Str("message_id", raw.Id).Msg("unreadable message body, keeping snippet")
	msg.Body = raw.Snippet
	return msg
}

// labelNames maps label ids to display names. The label list is cached
// and refreshed when an id shows up that the last refresh did not cover.
func (s *Source) labelNames(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	stale := s.labels == nil || !s.knowsAll(ids)
	s.mu.Unlock()

	if stale {
		_, err, _ := s.refresh.Do("labels", func() (any, error) {
			return nil, s.refreshLabels(ctx, ids)
		})
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := s.labels[id]; ok && name != "" {
			names = append(names, name)
			continue
		}
		names = append(names, id)
	}
	return names, nil
}

// refreshLabels reloads the label list without holding s.mu across the
// request. Ids still missing afterwards are remembered as unlisted.
func (s *Source) refreshLabels(ctx context.Context, want []string) error {
	list, err := s.api.ListLabels(ctx)
	if err != nil {
		return classifyError(err, "listing labels")
	}
	labels := make(map[string]string, len(list))
	for _, l := range list {
		labels[l.Id] = l.Name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = labels
	if s.unlisted == nil {
		s.unlisted = make(map[string]struct{})
	}
	for id := range s.unlisted {
		if _, ok := labels[id]; ok {
			delete(s.unlisted, id)
		}
	}
	for _, id := range want {
		if _, ok := labels[id]; !ok {
			s.unlisted[id] = struct{}{}
		}
	}
	if len(s.unlisted) > 0 {
		s.opts.Logger.Debug().Int("unlisted", len(s.unlisted)).Msg("message carries labels missing from labels.list")
	}
	return nil
}

func (s *Source) knowsAll(ids []string) bool {
	for _, id := range ids {
		if _, ok := s.labels[id]; ok {
			continue
		}
		if _, ok := s.unlisted[id]; !ok {
			return false
		}
	}
	return true
}

// decodeRaw decodes the base64url payload of a raw-format message. Gmail
// has returned it both with and without padding.
func decodeRaw(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("empty raw payload")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func hasLabel(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func joinQuery(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// classifyError sorts a Gmail API failure into the source error kinds.
func classifyError(err error, op string) error {
	if source.IsAuthError(err) || source.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, source.ErrNotFound, err)
		case apiErr.Code == http.StatusUnauthorized:
			return &source.AuthError{SourceType: source.TypeGmail, Message: op + ": token rejected", Err: err}
		case apiErr.Code == http.StatusForbidden:
			if isRateLimited(apiErr) {
				return &source.TransientError{SourceType: source.TypeGmail, Err: fmt.Errorf("%s: %w", op, err)}
			}
			return &source.AuthError{SourceType: source.TypeGmail, Message: op + ": access denied", Err: err}
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &source.TransientError{SourceType: source.TypeGmail, Err: fmt.Errorf("%s: %w", op, err)}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &source.AuthError{SourceType: source.TypeGmail, Message: op + ": refreshing token", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &source.TransientError{SourceType: source.TypeGmail, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func isRateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(e.Message, "Rate Limit")
}
