package cmd

import (
	"github.com/spf13/cobra"
)

var (
	rateLimitListSelect counterFlags
	rateLimitListOutput outputFlags
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rate windows",
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

		entries, err := b.Counters.ListRateWindows(ctx, rateLimitListSelect.listQuery())
		if err != nil {
			return err
		}

		return rateLimitListOutput.write("rate-limit.list", newRateWindowList(entries, cfg.RateLimit.Limit, cfg.RateLimit.Window))
	},
}

func init() {
	rateLimitListSelect.registerSelection(rateLimitListCmd, "List")
	rateLimitListOutput.register(rateLimitListCmd)
}
