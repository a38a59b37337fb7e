package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/metrics"
)

// Quota modes.
const (
	QuotaModeCheck   = "check"
	QuotaModeReserve = "reserve"
)

// DefaultQuotaWindow is the per-capability quota window.
const DefaultQuotaWindow = 24 * time.Hour

// ErrUnknownCapability is returned for capabilities without a configured limit.
var ErrUnknownCapability = errors.New("unknown capability")

// DefaultQuotaLimits are the per-caller daily capability limits.
var DefaultQuotaLimits = map[string]int{
	"render":       50,
	"quote":        2,
	"price_search": 20,
}

// QuotaDecision reports a caller's standing for one capability.
type QuotaDecision struct {
	Allowed      bool
	Remaining    int
	ResetAt      time.Time
	CurrentCount int
	Limit        int
}

// Reservation is a quota unit held by Reserve until committed or released.
type Reservation struct {
	ID          string
	Key         string
	Capability  string
	WindowStart int64
}

// QuotaManager meters capability calls per caller against the counter store.
type QuotaManager struct {
	Store  CounterStore
	Limits map[string]int
	Window time.Duration
	Mode   string
	Clock  func() time.Time
	Logger *logging.Logger
}

// Capabilities returns the metered capability names, sorted.
func (q *QuotaManager) Capabilities() []string {
	limits := q.limits()
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReserveMode reports whether capability calls are reserved up front.
func (q *QuotaManager) ReserveMode() bool {
	return q != nil && strings.EqualFold(q.Mode, QuotaModeReserve)
}

// Check reports whether key may call capability. It never consumes quota;
// an expired window is reset to zero in the store.
func (q *QuotaManager) Check(ctx context.Context, key, capability string) (QuotaDecision, error) {
	limit, err := q.lookup(key, capability)
	if err != nil {
		return QuotaDecision{}, err
	}
	nowMs, windowMs := q.now().UnixMilli(), q.window().Milliseconds()

	var decision QuotaDecision
	err = q.Store.UpdateQuotaRecord(ctx, key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
		usage := current.Usage(capability)
		switch {
		case usage == nil:
			decision = quotaDecision(0, limit, nowMs+windowMs)
			return nil, nil
		case nowMs-usage.WindowStart >= windowMs:
			decision = quotaDecision(0, limit, nowMs+windowMs)
			current.SetUsage(capability, &core.CapabilityUsage{Limit: limit, WindowStart: nowMs})
			return current, nil
		default:
			decision = quotaDecision(usage.Count, limit, usage.WindowStart+windowMs)
			return nil, nil
		}
	})
	if err != nil {
		return QuotaDecision{Limit: limit}, fmt.Errorf("%w: quota check %s/%s: %w", ErrCounterStore, key, capability, err)
	}

	metrics.RecordQuotaDecision(capability, decision.Allowed)
	return decision, nil
}

// Increment records one completed call of capability for key.
func (q *QuotaManager) Increment(ctx context.Context, key, capability string, metadata map[string]any) error {
	limit, err := q.lookup(key, capability)
	if err != nil {
		return err
	}
	nowMs, windowMs := q.now().UnixMilli(), q.window().Milliseconds()
	call := core.CallRecord{ID: uuid.NewString(), Timestamp: nowMs, Metadata: metadata}

	var overspent bool
	err = q.Store.UpdateQuotaRecord(ctx, key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
		if current == nil {
			current = &core.QuotaRecord{Key: key}
		}
		usage := current.Usage(capability)
		if usage == nil || nowMs-usage.WindowStart >= windowMs {
			usage = &core.CapabilityUsage{WindowStart: nowMs}
		}
		usage.Count++
		usage.Limit = limit
		usage.CallLog = append(usage.CallLog, call)
		overspent = usage.Count > limit
		current.SetUsage(capability, usage)
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("%w: quota increment %s/%s: %w", ErrCounterStore, key, capability, err)
	}
	if overspent && q.Logger != nil {
		q.Logger.Warn("Quota overspent by concurrent calls",
			zap.String("caller_key", key),
			zap.String("capability", capability),
			zap.Int("limit", limit))
	}
	return nil
}

// Reserve atomically checks and consumes one unit of capability for key.
// The returned reservation is nil when the call is denied.
func (q *QuotaManager) Reserve(ctx context.Context, key, capability string) (*Reservation, QuotaDecision, error) {
	limit, err := q.lookup(key, capability)
	if err != nil {
		return nil, QuotaDecision{}, err
	}
	nowMs, windowMs := q.now().UnixMilli(), q.window().Milliseconds()
	call := core.CallRecord{ID: uuid.NewString(), Timestamp: nowMs, Metadata: map[string]any{"reserved": true}}

	var (
		decision    QuotaDecision
		reservation *Reservation
	)
	err = q.Store.UpdateQuotaRecord(ctx, key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
		reservation = nil
		if current == nil {
			current = &core.QuotaRecord{Key: key}
		}
		usage := current.Usage(capability)
		if usage == nil || nowMs-usage.WindowStart >= windowMs {
			usage = &core.CapabilityUsage{WindowStart: nowMs}
		}
		if usage.Count >= limit {
			decision = quotaDecision(usage.Count, limit, usage.WindowStart+windowMs)
			return nil, nil
		}
		usage.Count++
		usage.Limit = limit
		usage.CallLog = append(usage.CallLog, call)
		current.SetUsage(capability, usage)

		decision = quotaDecision(usage.Count, limit, usage.WindowStart+windowMs)
		decision.Allowed = true
		reservation = &Reservation{ID: call.ID, Key: key, Capability: capability, WindowStart: usage.WindowStart}
		return current, nil
	})
	if err != nil {
		return nil, QuotaDecision{Limit: limit}, fmt.Errorf("%w: quota reserve %s/%s: %w", ErrCounterStore, key, capability, err)
	}

	metrics.RecordQuotaDecision(capability, decision.Allowed)
	return reservation, decision, nil
}

// Commit finalizes a reservation, attaching metadata to its call record.
func (q *QuotaManager) Commit(ctx context.Context, res *Reservation, metadata map[string]any) error {
	if res == nil {
		return nil
	}
	err := q.Store.UpdateQuotaRecord(ctx, res.Key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
		usage := current.Usage(res.Capability)
		if usage == nil || usage.WindowStart != res.WindowStart {
			return nil, nil
		}
		for i := range usage.CallLog {
			if usage.CallLog[i].ID != res.ID {
				continue
			}
			merged := make(map[string]any, len(metadata))
			for k, v := range metadata {
				merged[k] = v
			}
			usage.CallLog[i].Metadata = merged
			return current, nil
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: quota commit %s/%s: %w", ErrCounterStore, res.Key, res.Capability, err)
	}
	return nil
}

// Release returns a reserved unit. Reservations from an already reset window are ignored.
func (q *QuotaManager) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	err := q.Store.UpdateQuotaRecord(ctx, res.Key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
		usage := current.Usage(res.Capability)
		if usage == nil || usage.WindowStart != res.WindowStart {
			return nil, nil
		}
		for i := range usage.CallLog {
			if usage.CallLog[i].ID != res.ID {
				continue
			}
			usage.CallLog = append(usage.CallLog[:i], usage.CallLog[i+1:]...)
			if usage.Count > 0 {
				usage.Count--
			}
			return current, nil
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: quota release %s/%s: %w", ErrCounterStore, res.Key, res.Capability, err)
	}
	return nil
}

func (q *QuotaManager) lookup(key, capability string) (int, error) {
	if q == nil || q.Store == nil {
		return 0, fmt.Errorf("%w: no store configured", ErrCounterStore)
	}
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("caller key is required")
	}
	limit, ok := q.limits()[capability]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	return limit, nil
}

func (q *QuotaManager) limits() map[string]int {
	if q == nil || len(q.Limits) == 0 {
		return DefaultQuotaLimits
	}
	return q.Limits
}

func (q *QuotaManager) window() time.Duration {
	if q == nil || q.Window <= 0 {
		return DefaultQuotaWindow
	}
	return q.Window
}

func (q *QuotaManager) now() time.Time {
	if q != nil && q.Clock != nil {
		return q.Clock()
	}
	return time.Now().UTC()
}

func quotaDecision(count, limit int, resetMs int64) QuotaDecision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return QuotaDecision{
		Allowed:      count < limit,
		Remaining:    remaining,
		ResetAt:      time.UnixMilli(resetMs).UTC(),
		CurrentCount: count,
		Limit:        limit,
	}
}
