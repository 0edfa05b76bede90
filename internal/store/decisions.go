// ABOUTME: Decision audit store methods recording how each human request was resolved
// ABOUTME: One row per request; re-recording a request replaces its outcome

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordDecision stores the outcome of a human request.
// Sets ResolvedAt if not set.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d *Decision) error {
	if d.RequestID == "" {
		return errors.New("decision request id is required")
	}
	if d.ResolvedAt.IsZero() {
		d.ResolvedAt = time.Now().UTC()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.ResolvedAt
	}

	query := `
		INSERT OR REPLACE INTO decisions
			(request_id, agent_id, type, priority, action, message, approved, reason, response, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.RequestID,
		d.AgentID,
		d.Type,
		d.Priority,
		d.Action,
		d.Message,
		d.Approved,
		d.Reason,
		d.Response,
		d.CreatedAt.UTC().Format(timeLayout),
		d.ResolvedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}

	s.logger.Debug("recorded decision",
		"request_id", d.RequestID,
		"agent_id", d.AgentID,
		"approved", d.Approved,
		"reason", d.Reason,
	)
	return nil
}

const decisionColumns = `request_id, agent_id, type, priority, action, message, approved, reason, response, created_at, resolved_at`

func scanDecision(scanner interface{ Scan(dest ...any) error }) (Decision, error) {
	var d Decision
	var action, message, reason, response *string
	var createdStr, resolvedStr string

	if err := scanner.Scan(
		&d.RequestID,
		&d.AgentID,
		&d.Type,
		&d.Priority,
		&action,
		&message,
		&d.Approved,
		&reason,
		&response,
		&createdStr,
		&resolvedStr,
	); err != nil {
		return d, err
	}

	d.Action = deref(action)
	d.Message = deref(message)
	d.Reason = deref(reason)
	d.Response = deref(response)

	var err error
	if d.CreatedAt, err = time.Parse(timeLayout, createdStr); err != nil {
		return d, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.ResolvedAt, err = time.Parse(timeLayout, resolvedStr); err != nil {
		return d, fmt.Errorf("parsing resolved_at: %w", err)
	}
	return d, nil
}

// GetDecision returns the recorded outcome of requestID.
func (s *SQLiteStore) GetDecision(ctx context.Context, requestID string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE request_id = ?`, requestID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning decision: %w", err)
	}
	return &d, nil
}

// ListDecisions returns decisions matching the filter, most recently resolved first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	var since *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timeLayout)
		since = &v
	}

	query := `SELECT ` + decisionColumns + `
		FROM decisions
		WHERE (? IS NULL OR agent_id = ?)
		  AND (? IS NULL OR approved = ?)
		  AND (? IS NULL OR resolved_at >= ?)
		ORDER BY resolved_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		f.AgentID, f.AgentID,
		f.Approved, f.Approved,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions := []Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return decisions, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
