package cmd

import (
	"github.com/spf13/cobra"
)

var (
	quotaResetSelect     counterFlags
	quotaResetOutput     outputFlags
	quotaResetCapability string
)

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear stored capability usage",
	Long: `Clear stored capability usage for the selected callers.

With --capability only that capability's usage is cleared; other
capabilities keep their counts and windows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query, err := quotaResetSelect.resetQuery()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		capability, err := resolveCapability(cfg, quotaResetCapability)
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		entries, err := b.Counters.ListQuotaRecords(ctx, query)
		if err != nil {
			return err
		}

		result := resetResult{Kind: "quota records", Scope: describeQuery(query), Matched: len(entries), DryRun: quotaResetSelect.dryRun}
		if capability != "" {
			result.Kind = capability + " quota"
			result.Matched = len(newQuotaList(entries, capability, cfg.Quota.Limits, cfg.Quota.Window).Usage)
		}
		if !result.DryRun {
			result.Deleted, err = b.Counters.ResetQuotaRecords(ctx, query, capability)
			if err != nil {
				return err
			}
		}

		return quotaResetOutput.write("quota.reset", result)
	},
}

func init() {
	quotaResetSelect.registerSelection(quotaResetCmd, "Reset")
	quotaResetSelect.registerConfirmation(quotaResetCmd)
	quotaResetCmd.Flags().StringVar(&quotaResetCapability, "capability", "", "Only clear one capability (render|quote|price_search)")
	quotaResetOutput.register(quotaResetCmd)
}
