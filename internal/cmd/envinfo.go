package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()

		observability.CLILogger.Info("=== Atelier Environment Information ===")
		observability.CLILogger.Info("")

		// Application Info
		identity := GetAppIdentity()
		observability.CLILogger.Info("Application:")
		observability.CLILogger.Info("  Name:       " + identity.BinaryName)
		observability.CLILogger.Info("  Version:    " + versionInfo.Version)
		observability.CLILogger.Info("  Commit:     " + versionInfo.Commit)
		observability.CLILogger.Info("  Built:      " + versionInfo.BuildDate)
		observability.CLILogger.Info("")

		// SSOT Info
		observability.CLILogger.Info("SSOT:")
		observability.CLILogger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		observability.CLILogger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		observability.CLILogger.Info("")

		// Runtime Info
		observability.CLILogger.Info("Runtime:")
		observability.CLILogger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		observability.CLILogger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		observability.CLILogger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		observability.CLILogger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		observability.CLILogger.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		// Configuration
		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		observability.CLILogger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		observability.CLILogger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		observability.CLILogger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		observability.CLILogger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			observability.CLILogger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			observability.CLILogger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		observability.CLILogger.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		observability.CLILogger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		observability.CLILogger.Info("")

		// Admission
		observability.CLILogger.Info("Admission:")
		observability.CLILogger.Info("  Counters Backend: "+cfg.Counters.Backend, zap.String("counters_backend", cfg.Counters.Backend))
		if cfg.Counters.Backend == config.CountersBackendRedis {
			observability.CLILogger.Info("  Redis Addr:       "+cfg.Counters.Redis.Addr, zap.String("redis_addr", cfg.Counters.Redis.Addr))
		}
		observability.CLILogger.Info(fmt.Sprintf("  Rate Limit:       %d per %s", cfg.RateLimit.Limit, cfg.RateLimit.Window),
			zap.Int("rate_limit", cfg.RateLimit.Limit), zap.Duration("rate_window", cfg.RateLimit.Window))
		observability.CLILogger.Info(fmt.Sprintf("  Fail Open:        %t", cfg.RateLimit.FailOpen), zap.Bool("fail_open", cfg.RateLimit.FailOpen))
		observability.CLILogger.Info("  Quota Mode:       "+cfg.Quota.Mode, zap.String("quota_mode", cfg.Quota.Mode))
		capabilities := make([]string, 0, len(cfg.Quota.Limits))
		for name := range cfg.Quota.Limits {
			capabilities = append(capabilities, name)
		}
		sort.Strings(capabilities)
		for _, name := range capabilities {
			observability.CLILogger.Info(fmt.Sprintf("  Quota %-12s %d per %s", name+":", cfg.Quota.Limits[name], cfg.Quota.Window))
		}
		observability.CLILogger.Info("  Sweep Schedule:   " + cfg.Counters.SweepSchedule)
		observability.CLILogger.Info("")

		// Model provider
		observability.CLILogger.Info("Provider:")
		observability.CLILogger.Info("  Base URL:     "+cfg.Provider.BaseURL, zap.String("provider_base_url", cfg.Provider.BaseURL))
		observability.CLILogger.Info("  Chat Model:   "+cfg.Provider.ChatModel, zap.String("chat_model", cfg.Provider.ChatModel))
		observability.CLILogger.Info("  Image Model:  "+cfg.Provider.ImageModel, zap.String("image_model", cfg.Provider.ImageModel))
		if strings.TrimSpace(cfg.Provider.APIKey) != "" {
			observability.CLILogger.Info("  API Key:      (set)")
		} else {
			observability.CLILogger.Info("  API Key:      (not set)")
		}
		observability.CLILogger.Info("  Media Dir:    "+cfg.Media.Dir, zap.String("media_dir", cfg.Media.Dir))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
