// ABOUTME: Activity log store methods: auto-approved actions, review records and agent lifecycle
// ABOUTME: Entries are append-only and listed newest first with optional filters

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogActivity appends an entry to the activity log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) LogActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if a.Detail != nil {
		data, err := json.Marshal(a.Detail)
		if err != nil {
			return fmt.Errorf("marshaling activity detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO activity_log (activity_id, agent_id, kind, action, confidence, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.AgentID,
		string(a.Kind),
		a.Action,
		a.Confidence,
		a.Timestamp.UTC().Format(timeLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}

	s.logger.Debug("logged activity",
		"id", a.ID,
		"agent_id", a.AgentID,
		"kind", a.Kind,
	)
	return nil
}

const activityQuery = `
	SELECT activity_id, agent_id, kind, action, confidence, ts, detail_json
	FROM activity_log
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListActivity returns activity entries matching the filter, newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		v := f.Since.UTC().Format(timeLayout)
		since = &v
	}

	rows, err := s.db.QueryContext(ctx, activityQuery,
		f.AgentID, f.AgentID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Activity{}
	for rows.Next() {
		var a Activity
		var kindStr, tsStr string
		var action, detailJSON *string

		if err := rows.Scan(&a.ID, &a.AgentID, &kindStr, &action, &a.Confidence, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		a.Kind = ActivityKind(kindStr)
		a.Action = deref(action)
		if a.Timestamp, err = time.Parse(timeLayout, tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &a.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity: %w", err)
	}
	return entries, nil
}
