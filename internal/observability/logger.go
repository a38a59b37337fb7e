package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger writes human-readable output for one-shot commands.
	CLILogger *logging.Logger

	// ServerLogger writes JSON lines for the long-running server.
	ServerLogger *logging.Logger
)

// EnvironmentVar names the deployment environment stamped on server logs.
const EnvironmentVar = "ATELIER_ENV"

// InitCLILogger installs CLILogger. verbose lowers the level to debug.
func InitCLILogger(serviceName string, verbose bool) {
	logger := mustCLI(serviceName, "CLI")
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger installs ServerLogger. The SIMPLE profile reuses the
// console logger for local runs; any other profile logs structured JSON to
// stderr with the correlation middleware, tagged with namespace when given.
func InitServerLogger(serviceName, level, profile string, namespace ...string) {
	severity := severityOf(level)

	if strings.EqualFold(strings.TrimSpace(profile), "SIMPLE") {
		logger := mustCLI(serviceName, "server")
		if severity == "DEBUG" || severity == "TRACE" {
			logger.SetLevel(logging.DEBUG)
		}
		ServerLogger = logger
		return
	}

	static := map[string]any{}
	if len(namespace) > 0 && namespace[0] != "" {
		static["namespace"] = namespace[0]
	}

	logger, err := logging.New(&logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: severity,
		Service:      serviceName,
		Environment:  deploymentEnvironment(),
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{{
			Type:    "console",
			Format:  "json",
			Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
		}},
		EnableCaller:     true,
		EnableStacktrace: true,
	})
	if err != nil {
		fatal("server", err)
	}
	ServerLogger = logger
}

func mustCLI(serviceName, role string) *logging.Logger {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		fatal(role, err)
	}
	return logger
}

func deploymentEnvironment() string {
	if env := strings.TrimSpace(os.Getenv(EnvironmentVar)); env != "" {
		return env
	}
	return "production"
}

// severityOf maps a config level onto the gofulmen severity names. Unknown
// levels fall back to INFO.
func severityOf(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// fatal reports a logger construction failure on stderr and exits with the
// config-invalid code; no logger exists yet to report it.
func fatal(role string, err error) {
	code := foundry.ExitConfigInvalid
	fmt.Fprintf(os.Stderr, "FATAL: failed to initialize %s logger: %v\n", role, err)
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s)\n", info.Code, info.Name)
	}
	os.Exit(int(code))
}
