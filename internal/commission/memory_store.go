package commission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	orderID string
	agentID string
	level   int
}

// MemoryStore is an in-memory commission store for development and tests.
type MemoryStore struct {
	records map[string]*Record
	byKey   map[recordKey]string
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byKey:   make(map[recordKey]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey{rec.OrderID, rec.AgentID, rec.Level}
	if _, ok := m.byKey[k]; ok {
		return ErrDuplicateRecord
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.byKey[k] = rec.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.OrderID == orderID {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Status]int, 4)
	for _, rec := range m.records {
		out[rec.Status]++
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, at time.Time, reason string) (*Record, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Status != from {
		return nil, fmt.Errorf("%w: record %s is %s, expected %s", ErrConcurrencyConflict, id, rec.Status, from)
	}
	applyTransition(rec, to, at, reason)
	return copyRecord(rec), nil
}

func (m *MemoryStore) ReleaseMatured(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Record
	for _, rec := range m.records {
		if rec.Status == StatusHold && !rec.HoldUntil.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].HoldUntil.Before(due[j].HoldUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Record, 0, len(due))
	for _, rec := range due {
		applyTransition(rec, StatusReady, now, "")
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func applyTransition(rec *Record, to Status, at time.Time, reason string) {
	rec.Status = to
	rec.UpdatedAt = at
	switch to {
	case StatusPaid:
		t := at
		rec.PaidAt = &t
	case StatusCancelled:
		rec.CancelReason = reason
	}
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.PaidAt != nil {
		t := *r.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
