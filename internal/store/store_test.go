// ABOUTME: Tests run against both Store implementations: activity log and decision audit
// ABOUTME: SQLite tests use a temp directory; migrations are checked for idempotence

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func ptr[T any](v T) *T { return &v }

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "mux.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mux.db")
	for range 2 {
		s, err := NewSQLiteStore(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LogActivity(context.Background(), &Activity{AgentID: "a", Kind: ActivitySpawn}))
	entries, err := s.ListActivity(context.Background(), ActivityFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_LogActivity(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a := &Activity{
			AgentID:    "coder",
			Kind:       ActivityAutoApproved,
			Action:     "edit_file",
			Confidence: ptr(0.93),
			Detail:     map[string]any{"path": "main.go"},
		}
		require.NoError(t, s.LogActivity(ctx, a))
		assert.NotEmpty(t, a.ID)
		assert.False(t, a.Timestamp.IsZero())

		entries, err := s.ListActivity(ctx, ActivityFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		got := entries[0]
		assert.Equal(t, "edit_file", got.Action)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 0.93, *got.Confidence, 1e-9)
		assert.Equal(t, "main.go", got.Detail["path"])
	})
}

func TestStore_ListActivityFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		entries := []Activity{
			{AgentID: "a", Kind: ActivitySpawn, Timestamp: base},
			{AgentID: "a", Kind: ActivityReview, Timestamp: base.Add(time.Second)},
			{AgentID: "b", Kind: ActivityReview, Timestamp: base.Add(2 * time.Second)},
			{AgentID: "b", Kind: ActivityExit, Timestamp: base.Add(2*time.Second + 500*time.Millisecond)},
		}
		for i := range entries {
			require.NoError(t, s.LogActivity(ctx, &entries[i]))
		}

		all, err := s.ListActivity(ctx, ActivityFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ActivityExit, all[0].Kind, "newest first, including sub-second ordering")

		byAgent, err := s.ListActivity(ctx, ActivityFilter{AgentID: ptr("a")})
		require.NoError(t, err)
		assert.Len(t, byAgent, 2)

		reviews, err := s.ListActivity(ctx, ActivityFilter{Kind: ptr(ActivityReview)})
		require.NoError(t, err)
		assert.Len(t, reviews, 2)

		recent, err := s.ListActivity(ctx, ActivityFilter{Since: ptr(base.Add(time.Second))})
		require.NoError(t, err)
		assert.Len(t, recent, 3)

		limited, err := s.ListActivity(ctx, ActivityFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestStore_RecordAndGetDecision(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		d := &Decision{
			RequestID: "req-1",
			AgentID:   "coder",
			Type:      "approval",
			Priority:  "high",
			Action:    "delete_branch",
			Message:   "remove stale branch",
			Approved:  false,
			Reason:    "timeout",
			CreatedAt: created,
		}
		require.NoError(t, s.RecordDecision(ctx, d))
		assert.False(t, d.ResolvedAt.IsZero())

		got, err := s.GetDecision(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "delete_branch", got.Action)
		assert.Equal(t, "timeout", got.Reason)
		assert.False(t, got.Approved)
		assert.True(t, created.Equal(got.CreatedAt))

		_, err = s.GetDecision(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		require.Error(t, s.RecordDecision(ctx, &Decision{}))
	})
}

func TestStore_ListDecisions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		for i, d := range []Decision{
			{RequestID: "r1", AgentID: "a", Type: "approval", Priority: "high", Approved: true},
			{RequestID: "r2", AgentID: "a", Type: "review", Priority: "low", Approved: false},
			{RequestID: "r3", AgentID: "b", Type: "input", Priority: "medium", Approved: true, Response: "use postgres"},
		} {
			d.ResolvedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.RecordDecision(ctx, &d))
		}

		all, err := s.ListDecisions(ctx, DecisionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "r3", all[0].RequestID)
		assert.Equal(t, "use postgres", all[0].Response)

		approved, err := s.ListDecisions(ctx, DecisionFilter{Approved: ptr(true)})
		require.NoError(t, err)
		assert.Len(t, approved, 2)

		forA, err := s.ListDecisions(ctx, DecisionFilter{AgentID: ptr("a"), Approved: ptr(false)})
		require.NoError(t, err)
		require.Len(t, forA, 1)
		assert.Equal(t, "r2", forA[0].RequestID)

		since, err := s.ListDecisions(ctx, DecisionFilter{Since: ptr(base.Add(time.Minute))})
		require.NoError(t, err)
		assert.Len(t, since, 2)
	})
}
