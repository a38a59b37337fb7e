package cmd

import (
	"github.com/spf13/cobra"
)

var (
	quotaListSelect     counterFlags
	quotaListOutput     outputFlags
	quotaListCapability string
)

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored capability usage per caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		capability, err := resolveCapability(cfg, quotaListCapability)
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		entries, err := b.Counters.ListQuotaRecords(ctx, quotaListSelect.listQuery())
		if err != nil {
			return err
		}

		return quotaListOutput.write("quota.list", newQuotaList(entries, capability, cfg.Quota.Limits, cfg.Quota.Window))
	},
}

func init() {
	quotaListSelect.registerSelection(quotaListCmd, "List")
	quotaListCmd.Flags().StringVar(&quotaListCapability, "capability", "", "Only show one capability (render|quote|price_search)")
	quotaListOutput.register(quotaListCmd)
}
