package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/metrics"
)

// ErrConflict is returned when a counter update keeps losing compare-and-swap races.
var ErrConflict = errors.New("counter update conflict")

// UpdateRateWindow applies fn to the caller's rate window as one optimistic transaction.
// Concurrent writers are serialized through the version column; losers re-read and retry.
func (s *Store) UpdateRateWindow(ctx context.Context, key string, fn core.RateWindowUpdate) error {
	if err := s.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("caller key is required")
	}

	return s.casLoop(ctx, "rate_window", func(ctx context.Context) (bool, error) {
		var (
			current *core.RateWindow
			version int64
		)

		row := s.DB.QueryRowContext(ctx, s.rebind(`
			SELECT window_start, request_count, version
			FROM rate_windows
			WHERE caller_key = ?
		`), key)

		var window core.RateWindow
		switch err := row.Scan(&window.WindowStart, &window.Count, &version); {
		case err == nil:
			window.Key = key
			current = &window
		case errors.Is(err, sql.ErrNoRows):
		default:
			return false, fmt.Errorf("fetch rate window: %w", err)
		}

		var snapshot *core.RateWindow
		if current != nil {
			copied := *current
			snapshot = &copied
		}
		next, err := fn(snapshot)
		if err != nil {
			return false, err
		}
		if next == nil {
			return true, nil
		}

		now := time.Now().UnixMilli()
		var result sql.Result
		if current == nil {
			result, err = s.DB.ExecContext(ctx, s.rebind(`
				INSERT INTO rate_windows (caller_key, window_start, request_count, version, updated_at)
				VALUES (?, ?, ?, 1, ?)
				ON CONFLICT(caller_key) DO NOTHING
			`), key, next.WindowStart, next.Count, now)
		} else {
			result, err = s.DB.ExecContext(ctx, s.rebind(`
				UPDATE rate_windows
				SET window_start = ?, request_count = ?, version = version + 1, updated_at = ?
				WHERE caller_key = ? AND version = ?
			`), next.WindowStart, next.Count, now, key, version)
		}
		if err != nil {
			return false, fmt.Errorf("store rate window: %w", err)
		}
		return applied(result)
	})
}

// GetRateWindow returns the stored window for a caller, or nil.
func (s *Store) GetRateWindow(ctx context.Context, key string) (*core.RateWindow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	window := &core.RateWindow{Key: key}
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT window_start, request_count FROM rate_windows WHERE caller_key = ?
	`), key).Scan(&window.WindowStart, &window.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch rate window: %w", err)
	}
	return window, nil
}

// UpdateQuotaRecord applies fn to the caller's quota record as one optimistic transaction.
func (s *Store) UpdateQuotaRecord(ctx context.Context, key string, fn core.QuotaRecordUpdate) error {
	if err := s.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("caller key is required")
	}

	return s.casLoop(ctx, "quota_record", func(ctx context.Context) (bool, error) {
		var (
			payload string
			version int64
			exists  bool
		)

		row := s.DB.QueryRowContext(ctx, s.rebind(`
			SELECT payload, version FROM quota_records WHERE caller_key = ?
		`), key)
		switch err := row.Scan(&payload, &version); {
		case err == nil:
			exists = true
		case errors.Is(err, sql.ErrNoRows):
		default:
			return false, fmt.Errorf("fetch quota record: %w", err)
		}

		var current *core.QuotaRecord
		if exists {
			decoded, err := decodeQuotaRecord(key, payload)
			if err != nil {
				return false, err
			}
			current = decoded
		}

		next, err := fn(current)
		if err != nil {
			return false, err
		}
		if next == nil {
			return true, nil
		}
		next.Key = key

		encoded, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("encode quota record: %w", err)
		}

		now := time.Now().UnixMilli()
		var result sql.Result
		if !exists {
			result, err = s.DB.ExecContext(ctx, s.rebind(`
				INSERT INTO quota_records (caller_key, payload, version, updated_at)
				VALUES (?, ?, 1, ?)
				ON CONFLICT(caller_key) DO NOTHING
			`), key, string(encoded), now)
		} else {
			result, err = s.DB.ExecContext(ctx, s.rebind(`
				UPDATE quota_records
				SET payload = ?, version = version + 1, updated_at = ?
				WHERE caller_key = ? AND version = ?
			`), string(encoded), now, key, version)
		}
		if err != nil {
			return false, fmt.Errorf("store quota record: %w", err)
		}
		return applied(result)
	})
}

// GetQuotaRecord returns the stored quota record for a caller, or nil.
func (s *Store) GetQuotaRecord(ctx context.Context, key string) (*core.QuotaRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var payload string
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT payload FROM quota_records WHERE caller_key = ?
	`), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch quota record: %w", err)
	}
	return decodeQuotaRecord(key, payload)
}

func decodeQuotaRecord(key, payload string) (*core.QuotaRecord, error) {
	record := &core.QuotaRecord{}
	if err := json.Unmarshal([]byte(payload), record); err != nil {
		return nil, fmt.Errorf("decode quota record %s: %w", key, err)
	}
	record.Key = key
	if record.Capabilities == nil {
		record.Capabilities = map[string]*core.CapabilityUsage{}
	}
	return record, nil
}

// casLoop retries attempt until it applies, backing off with jitter between lost races.
func (s *Store) casLoop(ctx context.Context, kind string, attempt func(context.Context) (bool, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for i := 0; i < s.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := attempt(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		metrics.RecordCounterConflict(kind)

		backoff := time.Duration(rand.Int63n(int64(time.Millisecond) * int64(i+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s: %w after %d attempts", kind, ErrConflict, s.maxRetries)
}

func applied(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}
