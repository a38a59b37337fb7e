package metrics

import (
	"strconv"

	"github.com/atelierhq/atelier/internal/observability"
)

// Error metrics, emitted for every error envelope written to a client.
const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// RecordError counts an error response by code and HTTP status. endpoint is
// a bounded route label; empty skips the per-endpoint counter.
func RecordError(code string, status int, endpoint string) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(ErrorsTotalName, 1, map[string]string{"error_code": code, "http_status": strconv.Itoa(status)})
	if endpoint != "" {
		_ = sys.Counter(ErrorsByEndpointName, 1, map[string]string{"endpoint": endpoint, "error_code": code})
	}
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(PanicsTotalName, 1, nil)
	}
}
