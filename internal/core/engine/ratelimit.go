package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/metrics"
)

const (
	// DefaultRateLimit is the number of admissions per caller per window.
	DefaultRateLimit = 20
	// DefaultRateWindow is the admission window length.
	DefaultRateWindow = 60 * time.Second
)

// ErrCounterStore marks failures of the shared counter store.
var ErrCounterStore = errors.New("counter store unavailable")

// CounterStore is the transactional read-modify-write store behind admission and quotas.
// Implementations must apply each update atomically per key and may call fn more than once.
type CounterStore interface {
	UpdateRateWindow(ctx context.Context, key string, fn core.RateWindowUpdate) error
	UpdateQuotaRecord(ctx context.Context, key string, fn core.QuotaRecordUpdate) error
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Cached    bool
}

// RetryAfterSeconds returns the whole seconds until the window resets, rounded up.
func (d Decision) RetryAfterSeconds(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

// RateLimiter admits requests per caller key against a fixed window held in the counter store.
type RateLimiter struct {
	Store  CounterStore
	Limit  int
	Window time.Duration
	Cache  *DenialCache
	Clock  func() time.Time
	Logger *logging.Logger
}

// Admit records one request for key and reports whether it may proceed.
// The read, the decision and the write happen in a single store transaction; a denial writes nothing.
func (r *RateLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	limit, window := r.limit(), r.window()
	if key == "" {
		return Decision{Limit: limit}, fmt.Errorf("caller key is required")
	}

	if r == nil || r.Store == nil {
		return Decision{Limit: limit}, fmt.Errorf("%w: no store configured", ErrCounterStore)
	}

	started := time.Now()
	now := r.now()

	if cached, ok := r.Cache.Lookup(key, now); ok {
		metrics.RecordAdmission(false, "cache", time.Since(started))
		return cached, nil
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	var decision Decision
	err := r.Store.UpdateRateWindow(ctx, key, func(current *core.RateWindow) (*core.RateWindow, error) {
		switch {
		case current == nil || nowMs-current.WindowStart >= windowMs:
			decision = Decision{
				Allowed:   true,
				Limit:     limit,
				Remaining: limit - 1,
				ResetAt:   time.UnixMilli(nowMs + windowMs).UTC(),
			}
			return &core.RateWindow{Key: key, WindowStart: nowMs, Count: 1}, nil
		case current.Count >= limit:
			decision = Decision{
				Allowed: false,
				Limit:   limit,
				ResetAt: time.UnixMilli(current.WindowStart + windowMs).UTC(),
			}
			return nil, nil
		default:
			next := *current
			next.Count++
			decision = Decision{
				Allowed:   true,
				Limit:     limit,
				Remaining: limit - next.Count,
				ResetAt:   time.UnixMilli(current.WindowStart + windowMs).UTC(),
			}
			return &next, nil
		}
	})
	if err != nil {
		metrics.RecordAdmission(false, "error", time.Since(started))
		return Decision{Limit: limit}, fmt.Errorf("%w: admit %s: %w", ErrCounterStore, key, err)
	}

	if !decision.Allowed {
		r.Cache.Remember(key, decision, now)
		if r.Logger != nil {
			r.Logger.Debug("Admission denied",
				zap.String("caller_key", key),
				zap.Time("reset_at", decision.ResetAt))
		}
	}
	metrics.RecordAdmission(decision.Allowed, "store", time.Since(started))
	return decision, nil
}

func (r *RateLimiter) limit() int {
	if r == nil || r.Limit <= 0 {
		return DefaultRateLimit
	}
	return r.Limit
}

func (r *RateLimiter) window() time.Duration {
	if r == nil || r.Window <= 0 {
		return DefaultRateWindow
	}
	return r.Window
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
