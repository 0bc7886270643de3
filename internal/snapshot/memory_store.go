package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory snapshot store for development and tests.
type MemoryStore struct {
	snaps map[string]*Snapshot
	mu    sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Create(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snaps[snap.OrderID]; ok {
		return ErrSnapshotExists
	}
	m.snaps[snap.OrderID] = snap.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[orderID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snaps[orderID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(m.snaps, orderID)
	return nil
}

// MemoryRegistry is an in-memory plan registry.
type MemoryRegistry struct {
	plans map[string][]*Plan // siteID -> plans
	mu    sync.RWMutex
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty plan registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{plans: make(map[string][]*Plan)}
}

// Put adds or replaces (by ID) a plan. Tiers are copied so later edits by the
// caller do not leak in.
func (m *MemoryRegistry) Put(plan *Plan) error {
	if !plan.Mode.Valid() {
		return ErrInvalidMode
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *plan
	cp.Tiers = cloneTiers(plan.Tiers)
	list := m.plans[plan.SiteID]
	for i, p := range list {
		if p.ID == plan.ID {
			list[i] = &cp
			return nil
		}
	}
	m.plans[plan.SiteID] = append(list, &cp)
	return nil
}

// Save is Put with the PostgresRegistry signature.
func (m *MemoryRegistry) Save(ctx context.Context, plan *Plan) error {
	return m.Put(plan)
}

// Remove deletes a plan from the registry.
func (m *MemoryRegistry) Remove(siteID, planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.plans[siteID]
	for i, p := range list {
		if p.ID == planID {
			m.plans[siteID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ActivePlan returns the in-effect plan with the latest EffectiveFrom.
func (m *MemoryRegistry) ActivePlan(ctx context.Context, siteID string, at time.Time) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*Plan
	for _, p := range m.plans[siteID] {
		if p.InEffect(at) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoActivePlan
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EffectiveFrom.Equal(candidates[j].EffectiveFrom) {
			return candidates[i].Version > candidates[j].Version
		}
		return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
	})
	cp := *candidates[0]
	cp.Tiers = cloneTiers(candidates[0].Tiers)
	return &cp, nil
}
