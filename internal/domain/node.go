package domain

import "time"

// NodeStatus represents the current state of a supervisor node.
type NodeStatus string

const (
	NodeAvailable NodeStatus = "available"
	NodeBusy      NodeStatus = "busy"
	NodeOffline   NodeStatus = "offline"
	NodeError     NodeStatus = "error"
)

// SupervisorNode is one routing/dispatch instance tracked by the load
// balancer. CurrentSessions <= MaxSessions is a target, not hard-enforced:
// assignment is refused once the limit is reached, but the counter itself is
// never clamped.
type SupervisorNode struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	Status          NodeStatus   `json:"status"`
	Load            float64      `json:"load"` // externally reported, 0.0-1.0
	Capabilities    []Capability `json:"capabilities"`
	MaxSessions     int          `json:"max_concurrent_sessions"`
	CurrentSessions int          `json:"current_sessions"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
}

// HasCapabilities reports whether the node's capability set is a superset of
// required.
func (n *SupervisorNode) HasCapabilities(required []Capability) bool {
	for _, want := range required {
		found := false
		for _, have := range n.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
