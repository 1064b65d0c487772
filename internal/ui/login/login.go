// Package login collects provider credentials with interactive forms.
package login

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailsync/internal/model"
)

// IMAPAnswers holds the values bound to the IMAP form fields.
type IMAPAnswers struct {
	Host      string
	Port      string
	Username  string
	Password  string
	TLS       bool
	Mailboxes string
}

// NewIMAPAnswers pre-fills the form from the current configuration.
func NewIMAPAnswers(cfg model.IMAPConfig) *IMAPAnswers {
	port := ""
	if cfg.Port > 0 {
		port = strconv.Itoa(cfg.Port)
	}
	return &IMAPAnswers{
		Host:      cfg.Host,
		Port:      port,
		Username:  cfg.Username,
		TLS:       cfg.TLS,
		Mailboxes: strings.Join(cfg.Mailboxes, ", "),
	}
}

// IMAPForm builds the account form bound to a.
func IMAPForm(a *IMAPAnswers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&a.Host).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&a.Port).
				Validate(validatePort),
			huh.NewInput().
				Title("Username").
				Placeholder("user@example.com").
				Value(&a.Username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Account password or app password, stored in the system keyring").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Use TLS").
				Description("Connect with implicit TLS; No upgrades with STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&a.TLS),
			huh.NewInput().
				Title("Mailboxes").
				Description("Comma separated; leave empty to sync every mailbox").
				Placeholder("INBOX, Sent").
				Value(&a.Mailboxes),
		),
	)
}

// Apply copies the answers into cfg.
func (a *IMAPAnswers) Apply(cfg *model.IMAPConfig) error {
	port, err := strconv.Atoi(strings.TrimSpace(a.Port))
	if err != nil {
		return fmt.Errorf("invalid port %q", a.Port)
	}
	cfg.Host = strings.TrimSpace(a.Host)
	cfg.Port = port
	cfg.Username = strings.TrimSpace(a.Username)
	cfg.TLS = a.TLS
	cfg.Mailboxes = splitList(a.Mailboxes)
	return nil
}

// GmailCodeForm shows the consent URL and asks for the code Google
// displays after the user approves access.
func GmailCodeForm(authURL string, code *string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authorize Gmail access").
				Description("Open this URL in a browser and approve read-only access:\n\n"+authURL),
			huh.NewInput().
				Title("Authorization code").
				Value(code).
				Validate(validateRequired("Authorization code")),
		),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
