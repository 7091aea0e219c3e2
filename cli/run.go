package cli

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/humblenginr/forecast_sync/ledger"
	"github.com/humblenginr/forecast_sync/pipeline"
	"github.com/humblenginr/forecast_sync/remote"
	"github.com/humblenginr/forecast_sync/transfer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SkipAssets bool
	Mode       string
	Resume     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate and upload every forecast in the configured range",
		Long: `Mirror the model assets from the remote store, then generate one forecast per
day of the configured range and upload each one as soon as it is complete.

Example:
  forecast-sync run --config ./forecast.yaml
  forecast-sync run --mode worker --resume --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipAssets, "skip-assets", false, "do not mirror model assets before the run")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "override the transfer mode (lookahead|worker)")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "skip jobs the ledger already marks transferred")

	return cmd
}

func runPipeline(cmd *cobra.Command, opts *RunOptions) error {
	logger := opts.logger(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Mode != "" {
		cfg.Mode = opts.Mode
	}
	if opts.Resume {
		cfg.Resume = true
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	store, err := opts.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store, logger)

	if !opts.SkipAssets {
		n, err := remote.Mirror(ctx, store, cfg.Remote.AssetsDir, cfg.Paths.AssetsDir, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to mirror model assets", err)
		}
		logger.Info("assets ready", "stage", "assets", "files", n, "dir", cfg.Paths.AssetsDir)
	}
	if err := os.MkdirAll(cfg.Paths.ResultsDir, fs.ModePerm); err != nil {
		return WrapExitError(ExitCommandError, "failed to create results dir", err)
	}

	pipeOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Paths.Ledger != "" {
		led, err := openLedger(cfg.Paths.Ledger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := led.Close(); closeErr != nil {
				logger.Error("error closing ledger", "error", closeErr)
			}
		}()
		logger.Debug("ledger ready", "path", cfg.Paths.Ledger, "run_id", led.RunID())
		pipeOpts = append(pipeOpts, pipeline.WithLedger(led))
	}
	if sub := cfg.NewSubsetter(logger); sub != nil {
		pipeOpts = append(pipeOpts, pipeline.WithPostProcessor(sub))
	}

	engine := transfer.NewEngine(store, cfg.EngineOptions(logger)...)
	orch := pipeline.New(cfg.NewGenerator(logger), engine, cfg.PipelineOptions(), pipeOpts...)

	report, runErr := orch.Run(ctx, cfg.Jobs())
	logReport(logger, report)
	printReport(cmd.OutOrStdout(), report)

	if runErr != nil {
		return WrapExitError(ExitCommandError, "run aborted", runErr)
	}
	if err := report.Err(); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d jobs failed", len(report.Failed), report.Jobs), err)
	}
	return nil
}

func openLedger(path string) (*ledger.Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), fs.ModePerm); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create ledger dir", err)
	}
	led, err := ledger.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return led, nil
}

func logReport(logger *slog.Logger, r *pipeline.Report) {
	if r == nil {
		return
	}
	logger.Info("run finished",
		"mode", r.Mode,
		"jobs", r.Jobs,
		"generated", len(r.Generated),
		"transferred", len(r.Transferred),
		"skipped", len(r.Skipped),
		"failed", len(r.Failed),
		"peak_resident", r.PeakResident,
		"duration", r.Duration)
	for _, f := range r.Failed {
		logger.Error("job failed", "stem", f.Stem, "state", f.State, "error", f.Err)
	}
}

func printReport(w io.Writer, r *pipeline.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%d jobs: %d transferred, %d skipped, %d failed in %s\n",
		r.Jobs, len(r.Transferred), len(r.Skipped), len(r.Failed), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  FAILED %s (%s): %v\n", f.Stem, f.State, f.Err)
	}
}
