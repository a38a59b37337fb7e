package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/metrics"
)

// Probe selects which registered checks a health endpoint runs.
type Probe string

const (
	ProbeAggregate Probe = "aggregate"
	ProbeLive      Probe = "live"
	ProbeReady     Probe = "ready"
	ProbeStartup   Probe = "startup"
)

// Check results.
const (
	CheckHealthy   = "healthy"
	CheckUnhealthy = "unhealthy"
	CheckTimeout   = "timeout"
	StatusDegraded = "degraded"
)

// HealthChecker is a component whose health the service reports.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckFunc adapts a function such as a store Ping to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of a passing health endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Probe     Probe             `json:"probe"`
	Version   string            `json:"version,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type registeredCheck struct {
	checker HealthChecker
	probes  map[Probe]bool
}

// Health runs registered checks for the health probes. The aggregate probe
// runs every check; the other probes run only the checks registered for them,
// so a counter store outage fails readiness without failing liveness.
type Health struct {
	Version string

	mu     sync.RWMutex
	checks map[string]registeredCheck
}

// NewHealth returns an empty health registry.
func NewHealth(version string) *Health {
	return &Health{Version: version, checks: make(map[string]registeredCheck)}
}

// Register adds a check to the aggregate probe and to each listed probe.
func (h *Health) Register(name string, checker HealthChecker, probes ...Probe) {
	set := map[Probe]bool{ProbeAggregate: true}
	for _, p := range probes {
		set[p] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, probes: set}
}

// Run executes the probe's checks concurrently and returns each result by name.
func (h *Health) Run(ctx context.Context, probe Probe) map[string]string {
	h.mu.RLock()
	selected := make(map[string]HealthChecker)
	for name, c := range h.checks {
		if c.probes[probe] {
			selected[name] = c.checker
		}
	}
	h.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]string, len(selected))
	)
	for name, checker := range selected {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			started := time.Now()
			result := CheckHealthy
			if err := checker.CheckHealth(ctx); err != nil {
				result = CheckUnhealthy
				if ctx.Err() != nil {
					result = CheckTimeout
				}
			}
			metrics.RecordHealthCheck(name, result, time.Since(started))
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return results
}

// overallStatus is unhealthy when any check failed and degraded when one timed out.
func overallStatus(results map[string]string) string {
	status := CheckHealthy
	for _, result := range results {
		switch result {
		case CheckUnhealthy:
			return CheckUnhealthy
		case CheckTimeout:
			status = StatusDegraded
		}
	}
	return status
}

func probeTimeout(probe Probe) time.Duration {
	switch probe {
	case ProbeLive:
		return 2 * time.Second
	case ProbeStartup:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

// Handler serves one probe. A failing probe answers 503 with the per-check results.
func (h *Health) Handler(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout(probe))
		defer cancel()

		results := h.Run(ctx, probe)
		status := overallStatus(results)
		if status == CheckUnhealthy {
			apperrors.RespondWithError(w, r, healthEnvelope(probe, status, results))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:    status,
			Probe:     probe,
			Version:   h.Version,
			Timestamp: time.Now().UTC(),
			Checks:    results,
		})
	}
}

func healthEnvelope(probe Probe, status string, results map[string]string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(apperrors.CodeServiceUnavailable, string(probe)+" health check failed")
	envelope = envelope.WithDetails(map[string]interface{}{
		"status": status,
		"probe":  string(probe),
		"checks": results,
	})

	var failing []string
	for name, result := range results {
		if result != CheckHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"probe":          string(probe),
		"failing_checks": failing,
	})
	return envelope
}
