// Package app wires configuration, providers and the sync engine behind
// the mailsync command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/sync"
)

const envPrefix = "MAILSYNC"

// SourceFactory builds the provider for the loaded configuration.
type SourceFactory func(ctx context.Context, cfg *model.AppConfig, log zerolog.Logger) (source.Source, error)

// App holds the state shared by every command of one invocation.
type App struct {
	v          *viper.Viper
	cfg        *model.AppConfig
	log        zerolog.Logger
	closeLog   func() error
	configPath string

	// OpenSource builds the provider. It defaults to the Gmail or IMAP
	// source selected by the provider setting.
	OpenSource SourceFactory

	Stdout io.Writer
	Stderr io.Writer
}

// New returns an App writing to the process's standard streams.
func New() *App {
	v := viper.New()
	model.SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &App{
		v:          v,
		log:        zerolog.Nop(),
		closeLog:   func() error { return nil },
		OpenSource: openProvider,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
}

// exitError carries a process exit status out of a command. Its message
// has already been shown to the user in the run summary.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the command line and returns the process exit status.
func Execute() int {
	return New().Run(context.Background(), os.Args[1:])
}

// Run executes args and maps the outcome to an exit status.
func (a *App) Run(ctx context.Context, args []string) int {
	root := a.Command()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	err := root.ExecuteContext(ctx)
	_ = a.closeLog()
	if err == nil {
		return sync.ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(a.Stderr, "Error: %v\n", err)
	return sync.ExitAborted
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mirror a Gmail or IMAP mailbox into a local SQLite database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", model.DefaultConfigPath(), "path to the YAML config file")
	flags.String("data-dir", "", "directory holding the database and provider tokens")
	flags.String("provider", "", "mail provider: gmail or imap")
	flags.Int("workers", 0, "number of concurrent fetch workers")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "write logs as JSON")

	a.bind("data_dir", flags.Lookup("data-dir"))
	a.bind("provider", flags.Lookup("provider"))
	a.bind("workers", flags.Lookup("workers"))
	a.bind("log.level", flags.Lookup("log-level"))
	a.bind("log.json", flags.Lookup("log-json"))

	root.AddCommand(
		a.syncCommand(),
		a.watchCommand(),
		a.statusCommand(),
		a.authCommand(),
	)
	return root
}

func (a *App) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag for %s: %v", key, err))
	}
}

// setup loads the configuration and starts logging. Logs move to a file
// in the data directory while the progress view owns the terminal.
func (a *App) setup(cmd *cobra.Command) error {
	if err := model.ReadConfigFile(a.v, a.configPath); err != nil {
		return err
	}
	cfg, err := model.Decode(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	opts := logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Writer: a.Stderr}
	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		opts.File = filepath.Join(cfg.DataDir, "mailsync.log")
	}
	log, closeLog, err := logging.New(opts)
	if err != nil {
		return err
	}
	a.log = log
	a.closeLog = closeLog
	return nil
}
