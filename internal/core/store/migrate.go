package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Column types are chosen to be valid in both SQLite and Postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_windows (
		caller_key TEXT PRIMARY KEY,
		window_start BIGINT NOT NULL,
		request_count INTEGER NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows(window_start);`,
	`CREATE TABLE IF NOT EXISTS quota_records (
		caller_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_quota_records_updated ON quota_records(updated_at);`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		created_at BIGINT NOT NULL,
		UNIQUE(turn_id, role)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS quote_requests (
		id TEXT PRIMARY KEY,
		caller_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		name TEXT,
		contact TEXT NOT NULL,
		details TEXT,
		created_at BIGINT NOT NULL
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	// partial was added after the first transcripts release.
	if err := s.ensureColumn(ctx, "transcripts", "partial", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	if s.driver == driverPostgres {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, columnDef)
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add %s.%s column: %w", table, column, err)
		}
		return nil
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}

	found := false
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	// Release the single local connection before altering.
	_ = rows.Close()

	if found {
		return nil
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
