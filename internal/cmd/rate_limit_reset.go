package cmd

import (
	"github.com/spf13/cobra"
)

var (
	rateLimitResetSelect counterFlags
	rateLimitResetOutput outputFlags
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored rate windows so callers start a fresh window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query, err := rateLimitResetSelect.resetQuery()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		matched, err := b.Counters.ListRateWindows(ctx, query)
		if err != nil {
			return err
		}

		result := resetResult{Kind: "rate windows", Scope: describeQuery(query), Matched: len(matched), DryRun: rateLimitResetSelect.dryRun}
		if !result.DryRun {
			result.Deleted, err = b.Counters.ResetRateWindows(ctx, query)
			if err != nil {
				return err
			}
		}

		return rateLimitResetOutput.write("rate-limit.reset", result)
	},
}

func init() {
	rateLimitResetSelect.registerSelection(rateLimitResetCmd, "Reset")
	rateLimitResetSelect.registerConfirmation(rateLimitResetCmd)
	rateLimitResetOutput.register(rateLimitResetCmd)
}
