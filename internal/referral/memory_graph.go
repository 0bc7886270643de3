package referral

import (
	"context"
	"sync"
)

// MemoryGraph is an in-memory adjacency map from account to upline.
type MemoryGraph struct {
	upline map[string]string
	mu     sync.RWMutex
}

var _ Graph = (*MemoryGraph)(nil)

// NewMemoryGraph creates an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{upline: make(map[string]string)}
}

// SetUpline points accountID at uplineID. An empty uplineID clears it.
func (g *MemoryGraph) SetUpline(accountID, uplineID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if uplineID == "" {
		delete(g.upline, accountID)
		return
	}
	g.upline[accountID] = uplineID
}

func (g *MemoryGraph) Upline(ctx context.Context, accountID string) (string, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.upline[accountID]
	return id, ok, nil
}
