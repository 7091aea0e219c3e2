package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/humblenginr/forecast_sync/config"
	"github.com/humblenginr/forecast_sync/remote"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "forecast.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	// OpenStore overrides how the remote store is opened (for testing).
	// If nil, defaults to remote.Open.
	OpenStore func(ctx context.Context, opts remote.Options) (remote.Store, error)
}

// NewRootCommand creates the root command for the forecast-sync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast-sync",
		Short: "Generate forecasts and ship them to remote storage",
		Long: `forecast-sync runs a weather model once per day of a date range, optionally
cuts each forecast down to a region, and uploads the result to an object store
while keeping local disk usage bounded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to the run file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAssetsCommand(opts))
	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// logger configures the default slog logger from the verbose flag. Logs go to the
// command's error stream so stdout stays free for summaries.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) openStore(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	open := o.OpenStore
	if open == nil {
		open = remote.Open
	}
	s, err := open(ctx, cfg.RemoteOptions())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open remote store", err)
	}
	return s, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, or when the command's own
// context is (tests).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func closeStore(s remote.Store, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Error("error closing remote store", "error", err)
	}
}
