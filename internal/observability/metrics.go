package observability

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

// DefaultMetricsPort is assumed when the exporter's bound port cannot be read back.
const DefaultMetricsPort = 9090

var (
	// TelemetrySystem receives every counter, gauge and histogram the service emits.
	// It stays nil when metrics are disabled and emitters must tolerate that.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves the scrape endpoint on its own listener.
	PrometheusExporter *exporters.PrometheusExporter

	boundPort atomic.Int64
)

// InitMetrics starts the Prometheus exporter on port (0 picks a free port) and
// routes telemetry through it. Metric names are prefixed with namespace, or
// with serviceName when namespace is empty.
func InitMetrics(serviceName string, port int, namespace ...string) error {
	prefix := serviceName
	if len(namespace) > 0 && namespace[0] != "" {
		prefix = namespace[0]
	}
	if port < 0 {
		port = 0
	}

	exporter := exporters.NewPrometheusExporter(prefix, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	bound := port
	if p, err := portOf(exporter.GetAddr()); err == nil {
		bound = p
	} else if port == 0 {
		bound = DefaultMetricsPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	boundPort.Store(int64(bound))
	return nil
}

// MetricsPort is the port the exporter listens on, or 0 before InitMetrics.
func MetricsPort() int {
	return int(boundPort.Load())
}

func portOf(addr string) (int, error) {
	_, raw, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}
