package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/config"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset per-capability daily quotas",
}

// resolveCapability normalizes --capability and rejects names with no configured limit.
func resolveCapability(cfg *config.Config, raw string) (string, error) {
	capability := strings.ToLower(strings.TrimSpace(raw))
	if capability == "" {
		return "", nil
	}
	if _, ok := cfg.Quota.QuotaLimit(capability); !ok {
		return "", fmt.Errorf("unknown capability %q", raw)
	}
	return capability, nil
}

func init() {
	quotaCmd.AddCommand(quotaListCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}
