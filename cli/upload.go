package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/humblenginr/forecast_sync/remote"
	"github.com/humblenginr/forecast_sync/transfer"
)

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file> [remote-path]",
		Short: "Upload one file through the transfer engine",
		Long: `Upload a single local file the way the pipeline does: small files in one
request, large files in chunks through an upload session. The local file is
removed once the remote copy is verified.

The remote path defaults to the results folder plus the file's base name.

Example:
  forecast-sync upload ./results/panguweather_20230103_1200_168h_gpu.grib
  forecast-sync upload ./extra.zip /archive/extra.zip`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := rootOpts.logger(cmd)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			local := args[0]
			target := remote.Join(cfg.Remote.ResultsDir, filepath.Base(local))
			if len(args) == 2 {
				target = remote.Clean(args[1])
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			store, err := rootOpts.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(store, logger)

			engine := transfer.NewEngine(store, cfg.EngineOptions(logger)...)
			res, err := engine.Transfer(ctx, local, target)
			if err != nil {
				return WrapExitError(ExitFailure, "upload failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s -> %s (%d bytes, %s, %d chunks)\n",
				res.LocalPath, res.RemotePath, res.Size, res.Strategy, res.Chunks)
			return nil
		},
	}
}
