// Package routing assigns rooms to agents.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Balancer picks the least-busy eligible agent of an inbox. Nothing is
// cached: every pick reads current assignments and load.
type Balancer struct {
	dir   store.DirectoryStore
	group singleflight.Group
	intn  func(n int) int
}

// NewBalancer creates a Balancer over the directory store.
func NewBalancer(dir store.DirectoryStore) *Balancer {
	return &Balancer{dir: dir, intn: rand.IntN}
}

// PickAgent returns the agent with the fewest open attentions among the
// inbox's eligible agents, breaking ties uniformly at random.
// Returns store.ErrNoEligibleAgent when the pool is empty.
func (b *Balancer) PickAgent(ctx context.Context, inboxID uuid.UUID) (uuid.UUID, error) {
	pool, err := b.eligible(ctx, inboxID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(pool) == 0 {
		return uuid.Nil, store.ErrNoEligibleAgent
	}

	counts, err := b.dir.CountOpenAttentionsByAgent(ctx, pool)
	if err != nil {
		return uuid.Nil, fmt.Errorf("count open attentions: %w", err)
	}

	low := -1
	var tied []uuid.UUID
	for _, id := range pool {
		n := counts[id]
		switch {
		case low < 0 || n < low:
			low = n
			tied = append(tied[:0], id)
		case n == low:
			tied = append(tied, id)
		}
	}

	picked := tied[0]
	if len(tied) > 1 {
		picked = tied[b.intn(len(tied))]
	}
	slog.Debug("routing: agent picked", "inbox", inboxID, "agent", picked, "load", low, "tied", len(tied))
	return picked, nil
}

// eligible returns the assignable agent ids. Concurrent picks for the same
// inbox share one directory read; the read outlives any single caller's
// cancellation and each caller stops waiting on its own ctx.
func (b *Balancer) eligible(ctx context.Context, inboxID uuid.UUID) ([]uuid.UUID, error) {
	shared := context.WithoutCancel(ctx)
	ch := b.group.DoChan(inboxID.String(), func() (any, error) {
		assignments, err := b.dir.ListEligibleAgents(shared, inboxID)
		if err != nil {
			return nil, fmt.Errorf("list eligible agents: %w", err)
		}
		return filterPool(assignments), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]uuid.UUID), nil
	}
}

// filterPool drops administrative roles and, when any agent is online,
// everyone who is not.
func filterPool(assignments []store.AgentAssignment) []uuid.UUID {
	var all, online []uuid.UUID
	seen := make(map[uuid.UUID]bool, len(assignments))
	for _, a := range assignments {
		if a.Role == store.RoleAdmin || a.Role == store.RoleSupervisor || seen[a.AgentID] {
			continue
		}
		seen[a.AgentID] = true
		all = append(all, a.AgentID)
		if a.Online {
			online = append(online, a.AgentID)
		}
	}
	if len(online) > 0 {
		return online
	}
	return all
}
