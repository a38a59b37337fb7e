package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/core"
)

// CounterQuery selects counter records by caller key for admin commands.
type CounterQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q CounterQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

func (q CounterQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE caller_key = ?", []any{key}, nil
	}
	return "WHERE caller_key LIKE ?", []any{strings.TrimSpace(q.Prefix) + "%"}, nil
}

// Matches reports whether key is selected by the query.
func (q CounterQuery) Matches(key string) bool {
	switch {
	case q.All:
		return true
	case strings.TrimSpace(q.Key) != "":
		return key == strings.TrimSpace(q.Key)
	default:
		return strings.HasPrefix(key, strings.TrimSpace(q.Prefix))
	}
}

// RateWindowEntry is a stored rate window plus its last write time.
type RateWindowEntry struct {
	Window    core.RateWindow
	UpdatedAt time.Time
}

// QuotaRecordEntry is a stored quota record plus its last write time.
type QuotaRecordEntry struct {
	Record    core.QuotaRecord
	UpdatedAt time.Time
}

func (s *Store) ListRateWindows(ctx context.Context, q CounterQuery) ([]RateWindowEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT caller_key, window_start, request_count, updated_at
		FROM rate_windows
		%s
		ORDER BY caller_key
	`, where)), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate windows: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []RateWindowEntry{}
	for rows.Next() {
		var (
			entry     RateWindowEntry
			updatedAt int64
		)
		if err := rows.Scan(&entry.Window.Key, &entry.Window.WindowStart, &entry.Window.Count, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan rate windows: %w", err)
		}
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate windows: %w", err)
	}

	return entries, nil
}

func (s *Store) CountRateWindows(ctx context.Context, q CounterQuery) (int, error) {
	return s.countRows(ctx, "rate_windows", q)
}

func (s *Store) ResetRateWindows(ctx context.Context, q CounterQuery) (int64, error) {
	return s.deleteRows(ctx, "rate_windows", q)
}

func (s *Store) ListQuotaRecords(ctx context.Context, q CounterQuery) ([]QuotaRecordEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT caller_key, payload, updated_at
		FROM quota_records
		%s
		ORDER BY caller_key
	`, where)), args...)
	if err != nil {
		return nil, fmt.Errorf("list quota records: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []QuotaRecordEntry{}
	for rows.Next() {
		var (
			key       string
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&key, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan quota records: %w", err)
		}
		record, err := decodeQuotaRecord(key, payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, QuotaRecordEntry{Record: *record, UpdatedAt: time.UnixMilli(updatedAt).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quota records: %w", err)
	}

	return entries, nil
}

func (s *Store) CountQuotaRecords(ctx context.Context, q CounterQuery) (int, error) {
	return s.countRows(ctx, "quota_records", q)
}

// ResetQuotaRecords deletes whole records, or only one capability's usage when capability is set.
func (s *Store) ResetQuotaRecords(ctx context.Context, q CounterQuery, capability string) (int64, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return s.deleteRows(ctx, "quota_records", q)
	}

	entries, err := s.ListQuotaRecords(ctx, q)
	if err != nil {
		return 0, err
	}

	var reset int64
	for _, entry := range entries {
		changed := false
		err := s.UpdateQuotaRecord(ctx, entry.Record.Key, func(current *core.QuotaRecord) (*core.QuotaRecord, error) {
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

// SweepRateWindows deletes windows that started before cutoff. Such windows are
// already expired and would be reset on the next admission anyway.
func (s *Store) SweepRateWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	result, err := s.DB.ExecContext(ctx, s.rebind(`
		DELETE FROM rate_windows WHERE window_start < ?
	`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep rate windows: %w", err)
	}
	return result.RowsAffected()
}

// SweepQuotaRecords deletes records not written since cutoff. Every capability
// window in such a record started no later than its last write, so all have expired.
func (s *Store) SweepQuotaRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	result, err := s.DB.ExecContext(ctx, s.rebind(`
		DELETE FROM quota_records WHERE updated_at < ?
	`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep quota records: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) countRows(ctx context.Context, table string, q CounterQuery) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s
		%s
	`, table, where)), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

func (s *Store) deleteRows(ctx context.Context, table string, q CounterQuery) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, s.rebind(fmt.Sprintf(`
		DELETE FROM %s
		%s
	`, table, where)), args...)
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", table, err)
	}
	return affected, nil
}
