// ABOUTME: Store interface and models for the activity log and the human decision audit trail
// ABOUTME: Implemented by SQLiteStore for production and MockStore for tests

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ActivityKind classifies an activity log entry.
type ActivityKind string

const (
	ActivityAutoApproved ActivityKind = "auto_approved"
	ActivityReview       ActivityKind = "review"
	ActivitySpawn        ActivityKind = "spawn"
	ActivityExit         ActivityKind = "exit"
	ActivityAttention    ActivityKind = "attention"
)

// Activity is one entry in the activity log.
type Activity struct {
	ID         string         // UUID v4
	AgentID    string         // agent the entry is about
	Kind       ActivityKind   // what happened
	Action     string         // the agent's proposed action, if any
	Confidence *float64       // reported confidence, if any
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// ActivityFilter specifies filtering options for listing activity.
type ActivityFilter struct {
	AgentID *string
	Kind    *ActivityKind
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// Decision is the recorded outcome of a human request.
type Decision struct {
	RequestID  string // ID of the human request
	AgentID    string // who asked
	Type       string // approval, decision, input, review
	Priority   string // high, medium, low
	Action     string
	Message    string
	Approved   bool
	Reason     string // free text, "timeout" when nobody answered
	Response   string // raw human response, if any
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// DecisionFilter specifies filtering options for listing decisions.
type DecisionFilter struct {
	AgentID  *string
	Approved *bool
	Since    *time.Time
	Limit    int // default 100, max 1000
}

// Store records what agents did and what humans decided about it.
type Store interface {
	LogActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]Activity, error)

	RecordDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, requestID string) (*Decision, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error)

	Close() error
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
