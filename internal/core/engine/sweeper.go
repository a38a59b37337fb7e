package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/metrics"
)

// SweepStore removes counter records whose windows ended before a cutoff.
type SweepStore interface {
	SweepRateWindows(ctx context.Context, cutoff time.Time) (int64, error)
	SweepQuotaRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult counts the records removed by one sweep.
type SweepResult struct {
	RateWindows  int64 `json:"rate_windows"`
	QuotaRecords int64 `json:"quota_records"`
}

// Sweeper garbage-collects expired rate windows and quota records.
type Sweeper struct {
	Store       SweepStore
	RateWindow  time.Duration
	QuotaWindow time.Duration
	Timeout     time.Duration
	Clock       func() time.Time
	Logger      *logging.Logger
}

// Sweep removes rate windows older than one rate window and quota records
// untouched for a full quota window. Records in a live window are never removed.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	if s == nil || s.Store == nil {
		return SweepResult{}, fmt.Errorf("%w: no store configured", ErrCounterStore)
	}
	now := s.now()
	rateWindow, quotaWindow := s.RateWindow, s.QuotaWindow
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	if quotaWindow <= 0 {
		quotaWindow = DefaultQuotaWindow
	}

	var result SweepResult
	removed, err := s.Store.SweepRateWindows(ctx, now.Add(-rateWindow))
	if err != nil {
		return result, fmt.Errorf("sweep rate windows: %w", err)
	}
	result.RateWindows = removed
	metrics.RecordSweep("rate_window", removed)

	removed, err = s.Store.SweepQuotaRecords(ctx, now.Add(-quotaWindow))
	if err != nil {
		return result, fmt.Errorf("sweep quota records: %w", err)
	}
	result.QuotaRecords = removed
	metrics.RecordSweep("quota_record", removed)

	return result, nil
}

// Schedule runs Sweep on a cron schedule ("@every 1h" or five-field cron).
// The returned cron is started; callers Stop it on shutdown.
func (s *Sweeper) Schedule(spec string) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("sweep schedule is required")
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(spec, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func (s *Sweeper) runScheduled() {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := s.Sweep(ctx)
	if s.Logger == nil {
		return
	}
	if err != nil {
		s.Logger.Warn("Counter sweep failed", zap.Error(err))
		return
	}
	s.Logger.Debug("Counter sweep completed",
		zap.Int64("rate_windows", result.RateWindows),
		zap.Int64("quota_records", result.QuotaRecords))
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
