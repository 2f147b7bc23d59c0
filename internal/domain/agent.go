package domain

import "context"

// Capability is a string tag describing a class of task an agent can perform.
type Capability string

const (
	CapCalendar     Capability = "calendar"
	CapScheduling   Capability = "scheduling"
	CapModification Capability = "modification"
	CapDeletion     Capability = "deletion"
)

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusError    AgentStatus = "error"
	AgentStatusLoading  AgentStatus = "loading"
)

// ValidAgentStatus reports whether s is one of the known lifecycle states.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusError, AgentStatusLoading:
		return true
	}
	return false
}

// Handler is the unit of work behind a registered agent: it consumes a
// conversation fragment and produces a reply. Handlers may perform their own
// external I/O (e.g., calendar backend calls) and return an error on
// irrecoverable fault.
type Handler func(ctx context.Context, conversation string) (string, error)

// AgentDescriptor holds registration metadata for a single agent.
type AgentDescriptor struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Capabilities []Capability      `json:"capabilities"`
	Status       AgentStatus       `json:"status"`
	Version      string            `json:"version"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

// HasCapability reports whether the descriptor's capability set contains tag.
func (d *AgentDescriptor) HasCapability(tag Capability) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
