// Package stats is the agent statistics read model: lifetime sales for
// threshold gating and the agent level name used by differential mode. The
// aggregates are maintained elsewhere and may lag.
package stats

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Provider reads agent aggregates. Unknown agents have zero sales and no level.
type Provider interface {
	LifetimeSales(ctx context.Context, siteID, agentID string) (decimal.Decimal, error)
	LevelName(ctx context.Context, siteID, agentID string) (string, error)
}

type agentKey struct{ site, agent string }

type agentStats struct {
	sales decimal.Decimal
	level string
}

// MemoryProvider is an in-memory Provider for development and tests.
type MemoryProvider struct {
	agents map[agentKey]agentStats
	mu     sync.RWMutex
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{agents: make(map[agentKey]agentStats)}
}

// SetSales sets an agent's lifetime sales.
func (m *MemoryProvider) SetSales(siteID, agentID string, sales decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := agentKey{siteID, agentID}
	s := m.agents[k]
	s.sales = sales
	m.agents[k] = s
}

// SetLevel sets an agent's level name.
func (m *MemoryProvider) SetLevel(siteID, agentID, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := agentKey{siteID, agentID}
	s := m.agents[k]
	s.level = level
	m.agents[k] = s
}

func (m *MemoryProvider) LifetimeSales(ctx context.Context, siteID, agentID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[agentKey{siteID, agentID}].sales, nil
}

func (m *MemoryProvider) LevelName(ctx context.Context, siteID, agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[agentKey{siteID, agentID}].level, nil
}
