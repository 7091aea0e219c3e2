package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/humblenginr/forecast_sync/ledger"
	"github.com/humblenginr/forecast_sync/remote"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	History bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the jobs a run would execute",
		Long: `Print one line per day of the configured range with the file the model will
write, where it will be uploaded, and, if a ledger exists, the recorded state and
the number of upload attempts.

Example:
  forecast-sync plan --config ./forecast.yaml
  forecast-sync plan --history`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.History, "history", false, "show every recorded state of each job")

	return cmd
}

func printPlan(cmd *cobra.Command, opts *PlanOptions) error {
	opts.logger(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var led *ledger.Ledger
	states := map[string]string{}
	if cfg.Paths.Ledger != "" {
		if _, statErr := os.Stat(cfg.Paths.Ledger); statErr == nil {
			led, err = openLedger(cfg.Paths.Ledger)
			if err != nil {
				return err
			}
			defer led.Close()
			records, err := led.Jobs(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read ledger", err)
			}
			for _, r := range records {
				states[r.Stem] = r.State
			}
		}
	}

	gen := cfg.NewGenerator(nil)
	post := cfg.NewSubsetter(nil)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tARTIFACT\tREMOTE\tSTATE\tATTEMPTS")
	for _, job := range cfg.Jobs() {
		name := job.ArtifactName()
		if post != nil {
			name = job.BundleName()
		}
		state, attempts := "-", "-"
		var trail []string
		if s, ok := states[job.Stem()]; ok {
			state = s
			n, err := led.Attempts(ctx, job.Stem())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read ledger", err)
			}
			attempts = strconv.Itoa(n)
			if opts.History {
				if trail, err = led.History(ctx, job.Stem()); err != nil {
					return WrapExitError(ExitCommandError, "failed to read ledger", err)
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.DateString(), gen.ArtifactPath(job),
			remote.Join(cfg.Remote.ResultsDir, name), state, attempts)
		if len(trail) > 0 {
			fmt.Fprintf(w, "\t  %s\t\t\t\n", strings.Join(trail, " > "))
		}
	}
	return w.Flush()
}
