// Package referral walks the "who referred whom" relation upward from a
// buyer to build the commission chain.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrCycleDetected = errors.New("referral cycle detected")

// Graph is the read-only upline relation. Each account has at most one
// upline; ok is false when the account has none.
type Graph interface {
	Upline(ctx context.Context, accountID string) (uplineID string, ok bool, err error)
}

// Link is one entry of a resolved chain. Level 1 is the direct referrer.
type Link struct {
	AgentID string `json:"agentId"`
	Level   int    `json:"level"`
}

// Resolver builds referral chains from a Graph.
type Resolver struct {
	graph  Graph
	logger *slog.Logger
}

// NewResolver creates a chain resolver.
func NewResolver(graph Graph, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{graph: graph, logger: logger}
}

// ResolveChain follows upline pointers from start, returning at most
// maxLevels links. The walk stops when an account has no upline, the depth
// bound is reached, or the next upline was already visited in this walk. On a
// cycle the chain built so far is returned together with ErrCycleDetected;
// callers should use the partial chain.
func (r *Resolver) ResolveChain(ctx context.Context, start string, maxLevels int) ([]Link, error) {
	if maxLevels <= 0 {
		return nil, nil
	}

	visited := map[string]struct{}{start: {}}
	chain := make([]Link, 0, min(maxLevels, 16))
	current := start

	for len(chain) < maxLevels {
		if err := ctx.Err(); err != nil {
			return chain, err
		}

		next, ok, err := r.graph.Upline(ctx, current)
		if err != nil {
			return chain, fmt.Errorf("resolve upline of %s: %w", current, err)
		}
		if !ok || next == "" {
			break
		}
		if _, seen := visited[next]; seen {
			cyclesDetected.Inc()
			r.logger.Error("referral cycle detected, using partial chain",
				"start", start,
				"at", current,
				"repeat", next,
				"depth", len(chain),
			)
			chainDepth.Observe(float64(len(chain)))
			return chain, fmt.Errorf("%w: %s revisited from %s", ErrCycleDetected, next, current)
		}

		visited[next] = struct{}{}
		chain = append(chain, Link{AgentID: next, Level: len(chain) + 1})
		current = next
	}

	chainDepth.Observe(float64(len(chain)))
	return chain, nil
}
