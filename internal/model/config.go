package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by the provider setting.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// RetryConfig controls per-message fetch retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// RateLimitConfig throttles calls to the provider. An RPS of zero disables
// the limiter.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// GmailConfig holds Gmail API settings. Credential and token paths are
// resolved relative to the data directory when not absolute.
type GmailConfig struct {
	User            string `mapstructure:"user" yaml:"user"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	TokenFile       string `mapstructure:"token_file" yaml:"token_file"`

	// Query is an optional Gmail search expression applied to every
	// listing (e.g. "-in:spam").
	Query    string `mapstructure:"query" yaml:"query"`
	PageSize int64  `mapstructure:"page_size" yaml:"page_size"`
}

// IMAPConfig holds IMAP server settings. The password lives in the system
// keyring, never in this file.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS. When false the client upgrades with
	// STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Mailboxes restricts the sync to these mailboxes. Empty means every
	// selectable mailbox.
	Mailboxes []string `mapstructure:"mailboxes" yaml:"mailboxes"`

	Connections int `mapstructure:"connections" yaml:"connections"`
}

// EventsConfig enables the optional change feed.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Stream  string `mapstructure:"stream" yaml:"stream"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Workers is the number of concurrent fetch workers.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// QueueSize bounds the number of listed ids waiting for a worker.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// AbortMode decides what happens to in-flight work after a fatal
	// provider error: "graceful" lets it finish, "forced" cancels it.
	AbortMode string `mapstructure:"abort_mode" yaml:"abort_mode"`

	// WatchInterval is the pause between incremental syncs in watch mode.
	WatchInterval time.Duration `mapstructure:"watch_interval" yaml:"watch_interval"`

	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Gmail     GmailConfig     `mapstructure:"gmail" yaml:"gmail"`
	IMAP      IMAPConfig      `mapstructure:"imap" yaml:"imap"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDataDir is where the database and provider credentials live when
// no data directory is configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// SetDefaults registers every default on v. It is shared with the command
// line layer so flags and config files resolve against the same values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("provider", ProviderGmail)
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("queue_size", 256)
	v.SetDefault("abort_mode", "graceful")
	v.SetDefault("watch_interval", 5*time.Minute)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("rate_limit.rps", 40.0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.consecutive_failures", 10)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("gmail.user", "me")
	v.SetDefault("gmail.credentials_file", "credentials.json")
	v.SetDefault("gmail.token_file", "token.json")
	v.SetDefault("gmail.page_size", 500)

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.connections", 4)

	v.SetDefault("events.stream", "MAILSYNC")
	v.SetDefault("events.subject", "mailsync")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	SetDefaults(v)
	if err := ReadConfigFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// ReadConfigFile merges the YAML file at path into v. A missing file is
// not an error.
func ReadConfigFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !isMissingConfig(err) {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals the settings held by v and validates them.
func Decode(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a sync.
func (c *AppConfig) Validate() error {
	switch c.Provider {
	case ProviderGmail, ProviderIMAP:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderGmail, ProviderIMAP)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	switch c.AbortMode {
	case "graceful", "forced":
	default:
		return fmt.Errorf("unknown abort_mode %q", c.AbortMode)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// ResolvePath joins p to the data directory unless it is already absolute.
func (c *AppConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// DatabasePath is the SQLite file inside the data directory.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "messages.db")
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("provider", cfg.Provider)
	v.Set("workers", cfg.Workers)
	v.Set("queue_size", cfg.QueueSize)
	v.Set("abort_mode", cfg.AbortMode)
	v.Set("watch_interval", cfg.WatchInterval.String())
	v.Set("retry", map[string]any{
		"max_attempts": cfg.Retry.MaxAttempts,
		"base_delay":   cfg.Retry.BaseDelay.String(),
		"multiplier":   cfg.Retry.Multiplier,
		"jitter":       cfg.Retry.Jitter,
		"max_delay":    cfg.Retry.MaxDelay.String(),
	})
	v.Set("rate_limit", map[string]any{
		"rps":   cfg.RateLimit.RPS,
		"burst": cfg.RateLimit.Burst,
	})
	v.Set("breaker", map[string]any{
		"enabled":              cfg.Breaker.Enabled,
		"consecutive_failures": cfg.Breaker.ConsecutiveFailures,
		"open_timeout":         cfg.Breaker.OpenTimeout.String(),
	})
	v.Set("gmail", map[string]any{
		"user":             cfg.Gmail.User,
		"credentials_file": cfg.Gmail.CredentialsFile,
		"token_file":       cfg.Gmail.TokenFile,
		"query":            cfg.Gmail.Query,
		"page_size":        cfg.Gmail.PageSize,
	})
	v.Set("imap", map[string]any{
		"host":        cfg.IMAP.Host,
		"port":        cfg.IMAP.Port,
		"username":    cfg.IMAP.Username,
		"tls":         cfg.IMAP.TLS,
		"mailboxes":   cfg.IMAP.Mailboxes,
		"connections": cfg.IMAP.Connections,
	})
	v.Set("events", map[string]any{
		"nats_url": cfg.Events.NATSURL,
		"stream":   cfg.Events.Stream,
		"subject":  cfg.Events.Subject,
	})
	v.Set("log", map[string]any{
		"level": cfg.Log.Level,
		"json":  cfg.Log.JSON,
	})

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

func isMissingConfig(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}
