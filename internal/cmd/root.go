package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/appid"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/observability"
)

var (
	cfgFile string
	verbose bool

	appIdentity *appidentity.Identity

	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo records the ldflags build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved by initConfig.
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   filepath.Base(os.Args[0]),
	Short: "Conversational design assistant backend",
	Long: `Streams assistant turns to chat clients with per-caller rate limits and capability quotas.

Use the subcommands to perform specific operations.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep telemetry quiet until serve wires the Prometheus exporter.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	// Resolve the identity before cobra renders --help.
	if identity, err := appid.Get(context.Background()); err == nil {
		applyIdentity(identity)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file merged over the user config (default $XDG_CONFIG_HOME/atelier/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// applyIdentity updates the help surfaces from the app identity.
func applyIdentity(identity *appidentity.Identity) {
	appIdentity = identity
	if identity == nil {
		return
	}
	name := appid.BinaryName(identity)
	rootCmd.Use = name
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\nUse the subcommands to perform specific operations.", name, identity.Description)
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil {
		f.Usage = fmt.Sprintf("config file merged over the user config (default %s)", config.DefaultConfigPath())
	}
}

// initConfig loads .env, resolves the identity and starts the CLI logger.
// Configuration itself is loaded per command through loadConfig.
func initConfig() {
	// Real environment variables win over .env entries.
	_ = godotenv.Load()

	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	applyIdentity(identity)

	observability.InitCLILogger(appid.BinaryName(identity), verbose)
}
