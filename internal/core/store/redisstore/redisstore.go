// Package redisstore keeps rate windows and quota records in Redis.
//
// Each record is one JSON string key updated with WATCH/MULTI, so concurrent
// handlers across instances resolve races the same way the SQL store does.
// Keys carry a TTL instead of being swept.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/store"
	"github.com/atelierhq/atelier/internal/metrics"
)

const (
	ratePrefix  = "rate:"
	quotaPrefix = "quota:"
)

// Store is a Redis-backed counter store.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	rateTTL    time.Duration
	quotaTTL   time.Duration
	maxRetries int
}

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "atelier:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTLs sets how long idle rate windows and quota records are kept.
func WithTTLs(rate, quota time.Duration) Option {
	return func(s *Store) {
		if rate > 0 {
			s.rateTTL = rate
		}
		if quota > 0 {
			s.quotaTTL = quota
		}
	}
}

// WithMaxRetries bounds optimistic transaction attempts.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// New creates a Redis-backed counter store.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "atelier:",
		rateTTL:    2 * time.Minute,
		quotaTTL:   48 * time.Hour,
		maxRetries: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) rateKey(key string) string  { return s.keyPrefix + ratePrefix + key }
func (s *Store) quotaKey(key string) string { return s.keyPrefix + quotaPrefix + key }

// UpdateRateWindow applies fn to the caller's rate window inside WATCH/MULTI.
func (s *Store) UpdateRateWindow(ctx context.Context, key string, fn core.RateWindowUpdate) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("caller key is required")
	}
	return s.update(ctx, "rate_window", s.rateKey(key), s.rateTTL, func(raw []byte) ([]byte, error) {
		var current *core.RateWindow
		if raw != nil {
			current = &core.RateWindow{}
			if err := json.Unmarshal(raw, current); err != nil {
				return nil, fmt.Errorf("decode rate window: %w", err)
			}
			current.Key = key
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return nil, err
		}
		next.Key = key
		return json.Marshal(next)
	})
}

// UpdateQuotaRecord applies fn to the caller's quota record inside WATCH/MULTI.
func (s *Store) UpdateQuotaRecord(ctx context.Context, key string, fn core.QuotaRecordUpdate) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("caller key is required")
	}
	return s.update(ctx, "quota_record", s.quotaKey(key), s.quotaTTL, func(raw []byte) ([]byte, error) {
		var current *core.QuotaRecord
		if raw != nil {
			current = &core.QuotaRecord{}
			if err := json.Unmarshal(raw, current); err != nil {
				return nil, fmt.Errorf("decode quota record: %w", err)
			}
			current.Key = key
			if current.Capabilities == nil {
				current.Capabilities = map[string]*core.CapabilityUsage{}
			}
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return nil, err
		}
		next.Key = key
		return json.Marshal(next)
	})
}

// update runs one optimistic transaction: a nil encoded result leaves the key untouched.
func (s *Store) update(ctx context.Context, kind, redisKey string, ttl time.Duration, apply func(raw []byte) ([]byte, error)) error {
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			raw = nil
		} else if err != nil {
			return fmt.Errorf("get %s: %w", kind, err)
		}

		encoded, err := apply(raw)
		if err != nil {
			return err
		}
		if encoded == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			metrics.RecordCounterConflict(kind)
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts", kind, store.ErrConflict, s.maxRetries)
}

// GetRateWindow returns the stored window for a caller, or nil.
func (s *Store) GetRateWindow(ctx context.Context, key string) (*core.RateWindow, error) {
	raw, err := s.client.Get(ctx, s.rateKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate window: %w", err)
	}
	window := &core.RateWindow{}
	if err := json.Unmarshal(raw, window); err != nil {
		return nil, fmt.Errorf("decode rate window: %w", err)
	}
	window.Key = key
	return window, nil
}

// ListRateWindows scans rate window keys matching the query.
func (s *Store) ListRateWindows(ctx context.Context, q store.CounterQuery) ([]store.RateWindowEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	keys, err := s.scan(ctx, s.keyPrefix+ratePrefix, q)
	if err != nil {
		return nil, err
	}
	entries := make([]store.RateWindowEntry, 0, len(keys))
	for _, key := range keys {
		window, err := s.GetRateWindow(ctx, key)
		if err != nil {
			return nil, err
		}
		if window == nil {
			continue
		}
		entries = append(entries, store.RateWindowEntry{Window: *window, UpdatedAt: window.Start()})
	}
	return entries, nil
}

// ResetRateWindows deletes the rate windows matching the query.
func (s *Store) ResetRateWindows(ctx context.Context, q store.CounterQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, s.keyPrefix+ratePrefix, q)
}

// ListQuotaRecords scans quota record keys matching the query.
func (s *Store) ListQuotaRecords(ctx context.Context, q store.CounterQuery) ([]store.QuotaRecordEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	keys, err := s.scan(ctx, s.keyPrefix+quotaPrefix, q)
	if err != nil {
		return nil, err
	}
	entries := make([]store.QuotaRecordEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := s.client.Get(ctx, s.quotaKey(key)).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get quota record: %w", err)
		}
		record := core.QuotaRecord{}
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode quota record %s: %w", key, err)
		}
		record.Key = key
		entries = append(entries, store.QuotaRecordEntry{Record: record, UpdatedAt: latestWindow(record)})
	}
	return entries, nil
}

// ResetQuotaRecords deletes whole records, or one capability's usage when capability is set.
func (s *Store) ResetQuotaRecords(ctx context.Context, q store.CounterQuery, capability string) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return s.deleteMatching(ctx, s.keyPrefix+quotaPrefix, q)
	}

	keys, err := s.scan(ctx, s.keyPrefix+quotaPrefix, q)
	if err != nil {
		return 0, err
	}
	var reset int64
	for _, key := range keys {
		changed := false
		err := s.UpdateQuotaRecord(ctx, key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
			changed = false
			if current.Usage(capability) == nil {
				return nil, nil
			}
			delete(current.Capabilities, capability)
			changed = true
			return current, nil
		})
		if err != nil {
			return reset, err
		}
		if changed {
			reset++
		}
	}
	return reset, nil
}

// SweepRateWindows is a no-op: Redis expires idle windows through key TTLs.
func (s *Store) SweepRateWindows(context.Context, time.Time) (int64, error) { return 0, nil }

// SweepQuotaRecords is a no-op: Redis expires idle records through key TTLs.
func (s *Store) SweepQuotaRecords(context.Context, time.Time) (int64, error) { return 0, nil }

// scan returns caller keys (prefix stripped) under keyspace that match q, sorted.
func (s *Store) scan(ctx context.Context, keyspace string, q store.CounterQuery) ([]string, error) {
	pattern := keyspace + "*"
	if key := strings.TrimSpace(q.Key); key != "" && !q.All {
		pattern = keyspace + key
	} else if prefix := strings.TrimSpace(q.Prefix); prefix != "" && !q.All {
		pattern = keyspace + prefix + "*"
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), keyspace)
		if q.Matches(key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", keyspace, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) deleteMatching(ctx context.Context, keyspace string, q store.CounterQuery) (int64, error) {
	keys, err := s.scan(ctx, keyspace, q)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = keyspace + key
	}
	deleted, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", keyspace, err)
	}
	return deleted, nil
}

func latestWindow(record core.QuotaRecord) time.Time {
	var latest int64
	for _, usage := range record.Capabilities {
		if usage != nil && usage.WindowStart > latest {
			latest = usage.WindowStart
		}
	}
	return time.UnixMilli(latest).UTC()
}
