package cmd

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/appid"
	"github.com/atelierhq/atelier/internal/config"
	errwrap "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/observability"
	"github.com/atelierhq/atelier/internal/server"
	"github.com/atelierhq/atelier/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// changedSections names the config sections that differ between two loads.
func changedSections(prev, next *config.Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server", prev.Server, next.Server},
		{"store", prev.Store, next.Store},
		{"counters", prev.Counters, next.Counters},
		{"rate_limit", prev.RateLimit, next.RateLimit},
		{"quota", prev.Quota, next.Quota},
		{"chat", prev.Chat, next.Chat},
		{"stream", prev.Stream, next.Stream},
		{"provider", prev.Provider, next.Provider},
		{"media", prev.Media, next.Media},
		{"logging", prev.Logging, next.Logging},
		{"metrics", prev.Metrics, next.Metrics},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// serveOverrides maps explicitly set serve flags onto config keys.
func serveOverrides(cmd *cobra.Command) map[string]any {
	server := map[string]any{}
	if cmd.Flags().Changed("host") {
		server["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		server["port"] = serverPort
	}
	if len(server) == 0 {
		return nil
	}
	return map[string]any{"server": server}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Validates the config and reports sections that need a restart

On shutdown the server drains in-flight turns, stops the counter sweeper,
closes the stores and flushes logs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig(ctx, serveOverrides(cmd))
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "configuration invalid")
		}

		level := cfg.Logging.Level
		if cfg.Debug.Enabled {
			level = "debug"
		}
		observability.InitServerLogger(identity.BinaryName, level, cfg.Logging.Profile, namespace)
		logger := observability.ServerLogger

		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = observability.DefaultMetricsPort
		}
		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, metricsPort, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", metricsPort),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("counters_backend", cfg.Counters.Backend),
			zap.String("quota_mode", cfg.Quota.Mode))

		b, err := openBackends(ctx, cfg)
		if err != nil {
			logger.Error("Failed to open stores", zap.Error(err))
			return errwrap.WrapCounterStore(ctx, err, "store initialization failed")
		}

		deps, err := newDependencies(cfg, b, logger)
		if err != nil {
			_ = b.Close()
			return errwrap.WrapInternal(ctx, err, "dependency wiring failed")
		}

		sweepCron, err := newSweeper(cfg, b.Counters, logger).Schedule(cfg.Counters.SweepSchedule)
		if err != nil {
			_ = b.Close()
			return errwrap.WrapConfigInvalid(ctx, err, "sweep schedule invalid")
		}

		if cfg.Health.Enabled {
			deps.Health = newHealth(cfg, b, identity)
		}
		deps.Profiler = cfg.Debug.PprofEnabled
		deps.Version = handlers.VersionHandler{
			Build: handlers.BuildInfo{
				Name:      appid.BinaryName(identity),
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			},
			Admission: handlers.AdmissionInfo{
				CounterBackend: cfg.Counters.Backend,
				QuotaMode:      cfg.Quota.Mode,
			},
		}

		srv := server.New(cfg.Server, deps)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Close stores once in-flight turns have persisted
		signals.OnShutdown(func(ctx context.Context) error {
			<-sweepCron.Stop().Done()
			if err := b.Close(); err != nil {
				logger.Warn("Store close failed", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		// SIGHUP validates the config on disk. Limits and backends are bound
		// at startup, so changed sections are reported for a restart.
		signals.OnReload(func(ctx context.Context) error {
			next, err := loadConfig(ctx, serveOverrides(cmd))
			if err != nil {
				logger.Error("Config reload rejected", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			changed := changedSections(cfg, next)
			if len(changed) == 0 {
				logger.Info("Config reloaded, no changes")
				return nil
			}
			logger.Warn("Config changed, restart to apply", zap.Strings("sections", changed))
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			metrics.SetServerStartTime(time.Now())
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
