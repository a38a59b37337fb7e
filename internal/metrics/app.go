package metrics

import (
	"strconv"
	"time"

	"github.com/atelierhq/atelier/internal/observability"
)

// Application-level metrics following Prometheus conventions
const (
	AdmissionDecisionsTotal = "admission_decisions_total"
	AdmissionDuration       = "admission_duration_ms"
	QuotaDecisionsTotal     = "quota_decisions_total"
	QuotaSettlementsTotal   = "quota_settlements_total"
	CounterConflictsTotal   = "counter_conflicts_total"

	StreamFramesTotal = "stream_frames_total"
	StreamTurnsTotal  = "stream_turns_total"
	StreamDuration    = "stream_turn_duration_ms"

	CapabilityCallsTotal = "capability_calls_total"
	PersistFailuresTotal = "persist_failures_total"
	SweepRemovedTotal    = "sweep_removed_total"

	ActiveStreams = "app_active_streams"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	ServerStartTime = "app_server_start_time_seconds"
)

// RecordAdmission records a rate limiter decision. source is "store", "cache" or "fail_open".
func RecordAdmission(allowed bool, source string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{
		"decision": decisionLabel(allowed),
		"source":   source,
	}
	_ = observability.TelemetrySystem.Counter(AdmissionDecisionsTotal, 1, labels)
	_ = observability.TelemetrySystem.Histogram(AdmissionDuration, duration, map[string]string{"source": source})
}

// RecordAdmissionError records a counter store failure during admission.
func RecordAdmissionError(failOpen bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(AdmissionDecisionsTotal, 1, map[string]string{
		"decision":  "error",
		"fail_open": strconv.FormatBool(failOpen),
	})
}

// RecordQuotaDecision records a capability quota decision.
func RecordQuotaDecision(capability string, allowed bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(QuotaDecisionsTotal, 1, map[string]string{
		"capability": capability,
		"decision":   decisionLabel(allowed),
	})
}

// RecordQuotaSettlement records how a ledger ticket was settled (increment, commit, release, failed).
func RecordQuotaSettlement(capability string, outcome string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(QuotaSettlementsTotal, 1, map[string]string{
		"capability": capability,
		"outcome":    outcome,
	})
}

// RecordCounterConflict records a lost compare-and-swap race that was retried.
func RecordCounterConflict(kind string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(CounterConflictsTotal, 1, map[string]string{"kind": kind})
}

// RecordFrame records one emitted stream frame by tag name.
func RecordFrame(kind string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(StreamFramesTotal, 1, map[string]string{"kind": kind})
}

// RecordTurn records a finished turn and its duration.
func RecordTurn(outcome string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{"outcome": outcome}
	_ = observability.TelemetrySystem.Counter(StreamTurnsTotal, 1, labels)
	_ = observability.TelemetrySystem.Histogram(StreamDuration, duration, labels)
}

// RecordCapabilityCall records the result status of a capability invocation.
func RecordCapabilityCall(capability string, status string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(CapabilityCallsTotal, 1, map[string]string{
		"capability": capability,
		"status":     status,
	})
}

// RecordPersistFailure records a transcript or counter write that failed after delivery.
func RecordPersistFailure(target string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(PersistFailuresTotal, 1, map[string]string{"target": target})
}

// RecordSweep records how many stale records a sweep removed.
func RecordSweep(kind string, removed int64) {
	if observability.TelemetrySystem == nil || removed <= 0 {
		return
	}
	_ = observability.TelemetrySystem.Counter(SweepRemovedTotal, float64(removed), map[string]string{"kind": kind})
}

// SetActiveStreams sets the number of turns currently streaming.
func SetActiveStreams(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ActiveStreams, float64(count), nil)
	}
}

// RecordHealthCheck records one check run by a health probe.
func RecordHealthCheck(check, result string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{"check": check, "status": result})
	_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{"check": check})
}

// SetServerStartTime records when the listener came up, as Unix seconds.
func SetServerStartTime(t time.Time) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(t.Unix()), nil)
	}
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
