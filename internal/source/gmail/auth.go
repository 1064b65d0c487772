package gmail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailsync/internal/source"
)

// LoadOAuthConfig reads an OAuth client definition downloaded from the
// Google Cloud console (credentials.json).
func LoadOAuthConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gmail credentials %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(data, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing gmail credentials %s: %w", path, err)
	}
	return cfg, nil
}

// AuthCodeURL is the consent page the user opens to authorize access.
func AuthCodeURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("mailsync", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the code shown after consent for a token and saves it.
func Exchange(ctx context.Context, cfg *oauth2.Config, code, tokenPath string) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging auth code: %w", err)
	}
	return SaveToken(tokenPath, tok)
}

// LoadToken reads a token saved by SaveToken. A missing file is reported
// as an AuthError so the caller knows to run the auth flow.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &source.AuthError{
			SourceType: source.TypeGmail,
			Message:    fmt.Sprintf("no token at %s, run `mailsync auth gmail` first", path),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading gmail token %s: %w", path, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing gmail token %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling gmail token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing gmail token %s: %w", path, err)
	}
	return nil
}

// savingTokenSource persists refreshed tokens so the next run does not
// start from an expired access token.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   gosync.Mutex
	last string
}

func newSavingTokenSource(base oauth2.TokenSource, path string, initial *oauth2.Token) *savingTokenSource {
	return &savingTokenSource{base: base, path: path, last: initial.AccessToken}
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, &source.AuthError{SourceType: source.TypeGmail, Message: "refreshing access token", Err: err}
		}
		return nil, &source.TransientError{SourceType: source.TypeGmail, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		// Best effort: a failed save only costs a refresh next run.
		_ = SaveToken(s.path, tok)
	}
	return tok, nil
}
