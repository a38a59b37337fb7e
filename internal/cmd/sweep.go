package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/observability"
)

var sweepOutput outputFlags

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired rate windows and quota records once",
	Long: `Remove expired rate windows and quota records once.

The server runs the same sweep on counters.sweep_schedule. Records in a
live window are never removed. The redis backend expires keys itself, so
a sweep there removes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		result, err := newSweeper(cfg, b.Counters, observability.CLILogger).Sweep(ctx)
		if err != nil {
			return err
		}
		observability.CLILogger.Debug("Sweep finished",
			zap.Int64("rate_windows", result.RateWindows),
			zap.Int64("quota_records", result.QuotaRecords))

		return sweepOutput.write("sweep", newSweepView(cfg.Counters.Backend, result))
	},
}

func init() {
	sweepOutput.register(sweepCmd)
	rootCmd.AddCommand(sweepCmd)
}
