// Package balance assigns conversation sessions to supervisor nodes,
// preferring the least-loaded node that can actually serve the session.
package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calroute/internal/domain"
)

// SessionFailer marks a session as errored when no node can take it over.
// Satisfied by the state store.
type SessionFailer interface {
	FailSession(ctx context.Context, id, reason string) bool
}

// Stats is a point-in-time snapshot of the balancer's node fleet.
type Stats struct {
	TotalNodes     int     `json:"total_nodes"`
	AvailableNodes int     `json:"available_nodes"`
	TotalSessions  int     `json:"total_sessions"`
	AverageLoad    float64 `json:"average_load"`
}

// Balancer tracks supervisor nodes and the session-to-node assignment map.
// Node capacity is never exceeded: CurrentSessions <= MaxSessions holds at
// all times. Assignment is not sticky; every Assign call re-evaluates the
// fleet.
type Balancer struct {
	mu          sync.Mutex
	nodes       map[string]*domain.SupervisorNode
	order       []string // node ids in first-registration order, for tie-breaks
	assignments map[string]string

	failer SessionFailer
	bus    domain.EventSink
	logger *slog.Logger
}

// New creates an empty Balancer. failer and bus may be nil.
func New(failer SessionFailer, bus domain.EventSink, logger *slog.Logger) *Balancer {
	return &Balancer{
		nodes:       make(map[string]*domain.SupervisorNode),
		assignments: make(map[string]string),
		failer:      failer,
		bus:         bus,
		logger:      logger,
	}
}

func (b *Balancer) publish(ctx context.Context, event domain.Event) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(ctx, event)
}

// RegisterNode adds or replaces a node. Re-registration under the same id
// refreshes the record but keeps its tie-break position.
func (b *Balancer) RegisterNode(ctx context.Context, node domain.SupervisorNode) {
	node.LastHeartbeat = time.Now().UTC()
	if node.Status == "" {
		node.Status = domain.NodeAvailable
	}

	b.mu.Lock()
	if _, seen := b.nodes[node.ID]; !seen {
		b.order = append(b.order, node.ID)
	}
	b.nodes[node.ID] = &node
	b.mu.Unlock()

	b.logger.Info("supervisor node registered",
		"node_id", node.ID, "address", node.Address, "max_sessions", node.MaxSessions)
	b.publish(ctx, domain.Event{
		Type:      domain.EventNodeRegistered,
		NodeID:    node.ID,
		Timestamp: time.Now(),
	})
}

// UnregisterNode removes a node and reassigns every session it held. A
// session no other node can take is marked errored through the failer.
// Unknown node ids are a no-op.
func (b *Balancer) UnregisterNode(ctx context.Context, nodeID string) {
	b.mu.Lock()
	if _, ok := b.nodes[nodeID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.nodes, nodeID)
	for i, id := range b.order {
		if id == nodeID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	var orphans []string
	for sessionID, assigned := range b.assignments {
		if assigned == nodeID {
			orphans = append(orphans, sessionID)
			delete(b.assignments, sessionID)
		}
	}
	b.mu.Unlock()

	b.logger.Info("supervisor node removed", "node_id", nodeID, "orphaned_sessions", len(orphans))
	b.publish(ctx, domain.Event{
		Type:      domain.EventNodeRemoved,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})

	// Reassignment runs outside the lock; Assign takes it per session.
	// No capability filter here: the session's original requirement is not
	// recorded, and erroring it beats refusing a live node.
	for _, sessionID := range orphans {
		if _, err := b.Assign(ctx, sessionID, nil); err != nil {
			b.logger.Warn("orphaned session has no eligible supervisor node",
				"session_id", sessionID, "error", err)
			if b.failer != nil {
				b.failer.FailSession(ctx, sessionID, "no supervisor node available after node removal")
			}
		}
	}
}

// Assign picks the node for sessionID: among nodes that are available, below
// capacity, and advertise every required capability, the one with the lowest
// load wins; ties go to the earliest-registered node. A prior assignment for
// the session is released first. Returns ErrNoSupervisor when no node
// qualifies.
func (b *Balancer) Assign(ctx context.Context, sessionID string, required []domain.Capability) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.assignments[sessionID]; ok {
		if node, live := b.nodes[prev]; live && node.CurrentSessions > 0 {
			node.CurrentSessions--
		}
		delete(b.assignments, sessionID)
	}

	var best *domain.SupervisorNode
	for _, id := range b.order {
		node := b.nodes[id]
		if node.Status != domain.NodeAvailable {
			continue
		}
		if node.CurrentSessions >= node.MaxSessions {
			continue
		}
		if !node.HasCapabilities(required) {
			continue
		}
		if best == nil || node.Load < best.Load {
			best = node
		}
	}
	if best == nil {
		return "", domain.NewDomainError("Balancer.Assign", domain.ErrNoSupervisor, sessionID)
	}

	best.CurrentSessions++
	b.assignments[sessionID] = best.ID

	b.logger.Debug("session assigned",
		"session_id", sessionID, "node_id", best.ID, "node_sessions", best.CurrentSessions)
	return best.ID, nil
}

// Release drops the session's assignment and decrements its node's session
// count. Unknown sessions are a no-op.
func (b *Balancer) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nodeID, ok := b.assignments[sessionID]
	if !ok {
		return
	}
	delete(b.assignments, sessionID)
	if node, live := b.nodes[nodeID]; live && node.CurrentSessions > 0 {
		node.CurrentSessions--
	}
}

// UpdateNode refreshes a node's status, load, and heartbeat. A nil load
// leaves the current value. Unknown node ids are a no-op.
func (b *Balancer) UpdateNode(nodeID string, status domain.NodeStatus, load *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, ok := b.nodes[nodeID]
	if !ok {
		return
	}
	node.Status = status
	if load != nil {
		node.Load = *load
	}
	node.LastHeartbeat = time.Now().UTC()
}

// AssignmentFor returns the node currently holding sessionID, or "".
func (b *Balancer) AssignmentFor(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assignments[sessionID]
}

// Nodes returns a snapshot copy of the fleet.
func (b *Balancer) Nodes() []domain.SupervisorNode {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.SupervisorNode, 0, len(b.nodes))
	for _, id := range b.order {
		out = append(out, *b.nodes[id])
	}
	return out
}

// BalancerStats aggregates fleet counters.
func (b *Balancer) BalancerStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{TotalNodes: len(b.nodes), TotalSessions: len(b.assignments)}
	var loadSum float64
	for _, node := range b.nodes {
		if node.Status == domain.NodeAvailable {
			st.AvailableNodes++
		}
		loadSum += node.Load
	}
	if len(b.nodes) > 0 {
		st.AverageLoad = loadSum / float64(len(b.nodes))
	}
	return st
}
