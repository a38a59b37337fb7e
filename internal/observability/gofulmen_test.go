package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger", func(t *testing.T) {
		observability.InitCLILogger("atelier-test", true)
		require.NotNil(t, observability.CLILogger)

		observability.CLILogger.Debug("cli logger ready", zap.String("mode", "verbose"))
	})

	t.Run("structured server logger", func(t *testing.T) {
		observability.InitServerLogger("atelier-test", "debug", "STRUCTURED", "atelier")
		require.NotNil(t, observability.ServerLogger)

		observability.ServerLogger.Info("admission decision",
			zap.String("caller", "1.2.3.4"),
			zap.Bool("allowed", true),
			zap.Int("remaining", 19))
	})

	t.Run("simple server logger", func(t *testing.T) {
		observability.InitServerLogger("atelier-test", "warn", "simple")
		require.NotNil(t, observability.ServerLogger)

		observability.ServerLogger.Warn("counter store slow", zap.String("backend", "sql"))
	})
}

func TestStructuredProfileWithCorrelation(t *testing.T) {
	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: "INFO",
		Service:      "correlation-test",
		Environment:  "test",
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
	}

	logger, err := logging.New(config)
	require.NoError(t, err)

	logger.Info("turn finished", zap.String("turn_id", "t-1"), zap.String("outcome", "ok"))
}

func TestEmbeddedCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
	assert.NotEmpty(t, crucible.GetVersionString())
}
