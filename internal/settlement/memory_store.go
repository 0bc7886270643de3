package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/affiliate/internal/pagination"
)

// MemoryStore is an in-memory audit store for development and tests.
type MemoryStore struct {
	batches     map[string]*BatchReport
	chargebacks map[string]*ChargebackEntry // by record id
	mu          sync.RWMutex
}

var _ AuditStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[string]*BatchReport),
		chargebacks: make(map[string]*ChargebackEntry),
	}
}

func (m *MemoryStore) SaveBatch(ctx context.Context, report *BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches[report.ID] = copyBatch(report)
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*BatchReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, limit int, after *pagination.Cursor) ([]*BatchReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*BatchReport, 0, len(m.batches))
	for _, b := range m.batches {
		if after.Precedes(b.StartedAt, b.ID) {
			result = append(result, copyBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateChargeback(ctx context.Context, entry *ChargebackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chargebacks[entry.RecordID]; ok {
		return ErrAlreadyReversed
	}
	cp := *entry
	m.chargebacks[entry.RecordID] = &cp
	return nil
}

func (m *MemoryStore) ChargebackForRecord(ctx context.Context, recordID string) (*ChargebackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.chargebacks[recordID]
	if !ok {
		return nil, ErrChargebackNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListChargebacks(ctx context.Context, orderID string) ([]*ChargebackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ChargebackEntry
	for _, e := range m.chargebacks {
		if e.OrderID == orderID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].RecordID < result[j].RecordID
	})
	return result, nil
}

func copyBatch(b *BatchReport) *BatchReport {
	cp := *b
	cp.Outcomes = append([]RecordOutcome(nil), b.Outcomes...)
	return &cp
}
