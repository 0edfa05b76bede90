// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	activity  []Activity
	decisions map[string]Decision // keyed by request ID
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		decisions: make(map[string]Decision),
	}
}

// LogActivity appends an entry to the activity log.
func (m *MockStore) LogActivity(_ context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	entry := *a
	entry.Detail = maps.Clone(a.Detail)
	m.activity = append(m.activity, entry)
	return nil
}

// ListActivity returns activity entries matching the filter, newest first.
func (m *MockStore) ListActivity(_ context.Context, f ActivityFilter) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Activity{}
	for _, a := range m.activity {
		if f.AgentID != nil && a.AgentID != *f.AgentID {
			continue
		}
		if f.Kind != nil && a.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && a.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordDecision stores the outcome of a human request.
func (m *MockStore) RecordDecision(_ context.Context, d *Decision) error {
	if d.RequestID == "" {
		return errors.New("decision request id is required")
	}
	if d.ResolvedAt.IsZero() {
		d.ResolvedAt = time.Now().UTC()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.ResolvedAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.RequestID] = *d
	return nil
}

// GetDecision returns the recorded outcome of requestID.
func (m *MockStore) GetDecision(_ context.Context, requestID string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decisions[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// ListDecisions returns decisions matching the filter, most recently resolved first.
func (m *MockStore) ListDecisions(_ context.Context, f DecisionFilter) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Decision{}
	for _, d := range m.decisions {
		if f.AgentID != nil && d.AgentID != *f.AgentID {
			continue
		}
		if f.Approved != nil && d.Approved != *f.Approved {
			continue
		}
		if f.Since != nil && d.ResolvedAt.Before(*f.Since) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResolvedAt.Equal(out[j].ResolvedAt) {
			return out[i].ResolvedAt.After(out[j].ResolvedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
