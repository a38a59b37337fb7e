package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/core"
)

// AppendTranscript stores one transcript entry. A retried append for the same
// (turn_id, role) is ignored; inserted reports whether this call wrote the row.
func (s *Store) AppendTranscript(ctx context.Context, t core.Transcript) (inserted bool, err error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(t.TurnID) == "" {
		return false, errors.New("turn id is required")
	}
	if t.Role != core.RoleUser && t.Role != core.RoleAssistant {
		return false, fmt.Errorf("invalid transcript role: %q", t.Role)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var toolCalls sql.NullString
	if len(t.ToolCalls) > 0 {
		encoded, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return false, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(encoded), Valid: true}
	}

	partial := 0
	if t.Partial {
		partial = 1
	}

	result, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO transcripts (id, turn_id, session_id, role, content, tool_calls, partial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id, role) DO NOTHING
	`), t.ID, t.TurnID, t.SessionID, string(t.Role), t.Content, toolCalls, partial, t.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("append transcript: %w", err)
	}
	return applied(result)
}

// TranscriptQuery filters transcript listings.
type TranscriptQuery struct {
	SessionID string
	TurnID    string
	Limit     int
}

// ListTranscripts returns transcripts oldest first.
func (s *Store) ListTranscripts(ctx context.Context, q TranscriptQuery) ([]core.Transcript, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if id := strings.TrimSpace(q.SessionID); id != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, id)
	}
	if id := strings.TrimSpace(q.TurnID); id != "" {
		clauses = append(clauses, "turn_id = ?")
		args = append(args, id)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT id, turn_id, session_id, role, content, tool_calls, partial, created_at
		FROM transcripts
		%s
		ORDER BY created_at, role DESC
		%s
	`, where, limit)), args...)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	out := []core.Transcript{}
	for rows.Next() {
		var (
			t         core.Transcript
			role      string
			toolCalls sql.NullString
			partial   int
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.TurnID, &t.SessionID, &role, &t.Content, &toolCalls, &partial, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcripts: %w", err)
		}
		t.Role = core.Role(role)
		t.Partial = partial != 0
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	return out, nil
}

// SaveQuoteRequest records a lead submitted through the quote capability.
func (s *Store) SaveQuoteRequest(ctx context.Context, q core.QuoteRequest) (core.QuoteRequest, error) {
	if err := s.ready(); err != nil {
		return q, err
	}
	if strings.TrimSpace(q.Contact) == "" {
		return q, errors.New("contact is required")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO quote_requests (id, caller_key, session_id, name, contact, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), q.ID, q.CallerKey, q.SessionID, q.Name, q.Contact, q.Details, q.CreatedAt.UnixMilli())
	if err != nil {
		return q, fmt.Errorf("save quote request: %w", err)
	}
	return q, nil
}
