package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/humblenginr/forecast_sync/remote"
)

// NewAssetsCommand creates the assets command.
func NewAssetsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assets",
		Short: "Mirror the model assets from the remote store",
		Long: `Download the remote assets folder (model weights and auxiliary files) into the
local assets directory, recreating its layout.

Example:
  forecast-sync assets --config ./forecast.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := rootOpts.logger(cmd)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			store, err := rootOpts.openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(store, logger)

			n, err := remote.Mirror(ctx, store, cfg.Remote.AssetsDir, cfg.Paths.AssetsDir, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to mirror model assets", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d files from %s into %s\n", n, cfg.Remote.AssetsDir, cfg.Paths.AssetsDir)
			return nil
		},
	}
}
