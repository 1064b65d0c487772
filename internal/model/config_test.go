package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderGmail, cfg.Provider)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, "graceful", cfg.AbortMode)
	assert.Equal(t, "me", cfg.Gmail.User)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
provider: imap
workers: 8
retry:
  base_delay: 2s
imap:
  host: mail.example.com
  username: me@example.com
  mailboxes: [INBOX, Archive]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderIMAP, cfg.Provider)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "mail.example.com", cfg.IMAP.Host)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, []string{"INBOX", "Archive"}, cfg.IMAP.Mailboxes)
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: outlook\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outlook")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.Provider = ProviderIMAP
	cfg.IMAP.Host = "imap.example.com"
	cfg.IMAP.Username = "user"
	cfg.Retry.MaxAttempts = 3

	require.NoError(t, SaveConfig(path, cfg))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderIMAP, got.Provider)
	assert.Equal(t, "imap.example.com", got.IMAP.Host)
	assert.Equal(t, 3, got.Retry.MaxAttempts)
	assert.Equal(t, cfg.Retry.BaseDelay, got.Retry.BaseDelay)
}

func TestResolvePath(t *testing.T) {
	cfg := &AppConfig{DataDir: "/var/lib/mailsync"}
	assert.Equal(t, "/var/lib/mailsync/token.json", cfg.ResolvePath("token.json"))
	assert.Equal(t, "/etc/creds.json", cfg.ResolvePath("/etc/creds.json"))
	assert.Equal(t, "/var/lib/mailsync/messages.db", cfg.DatabasePath())
}
