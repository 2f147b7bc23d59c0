// Package supervise routes incoming conversation messages: it resolves the
// session, infers required capabilities, acquires a supervisor node, and
// dispatches to the matching agent.
package supervise

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"calroute/internal/balance"
	"calroute/internal/domain"
	"calroute/internal/infra/tracer"
	"calroute/internal/registry"
	"calroute/internal/state"
)

// Default agent names bound to each capability tag.
const (
	AgentScheduler = "event_scheduler_agent"
	AgentModifier  = "event_modifier_agent"
	AgentRemover   = "event_remover_agent"
	AgentChecker   = "calendar_checker_agent"
)

// DefaultHeartbeatInterval is how often the supervisor reports status and
// load to the balancer.
const DefaultHeartbeatInterval = 30 * time.Second

// capabilityPriority orders tags for handler selection: when a message
// matches several groups, exactly one agent is picked, highest first.
var capabilityPriority = []domain.Capability{
	domain.CapScheduling,
	domain.CapModification,
	domain.CapDeletion,
	domain.CapCalendar,
}

// Bindings maps capability tags to concrete agent names.
type Bindings map[domain.Capability]string

// DefaultBindings returns the stock capability-to-agent mapping.
func DefaultBindings() Bindings {
	return Bindings{
		domain.CapScheduling:   AgentScheduler,
		domain.CapModification: AgentModifier,
		domain.CapDeletion:     AgentRemover,
		domain.CapCalendar:     AgentChecker,
	}
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the structured outcome of one processed message. Either Response
// or Error is set, never both.
type Result struct {
	Response string `json:"response,omitempty"`
	Agent    string `json:"agent,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Stats describes this supervisor's node as the balancer currently sees it.
type Stats struct {
	NodeID          string            `json:"node_id"`
	Status          domain.NodeStatus `json:"status"`
	Load            float64           `json:"load"`
	CurrentSessions int               `json:"current_sessions"`
	MaxSessions     int               `json:"max_concurrent_sessions"`
	ActiveAgents    int               `json:"active_agents"`
}

// Config describes the supervisor's own node identity.
type Config struct {
	NodeID       string
	Address      string
	MaxSessions  int
	Capabilities []domain.Capability
	// Bindings maps capabilities to agent names; nil selects DefaultBindings.
	Bindings Bindings
}

// Supervisor drives the per-message routing state machine. All store and
// balancer faults are converted into an error Result plus a persisted error
// state on the session; nothing escapes to the caller as a raw failure.
type Supervisor struct {
	cfg        Config
	store      *state.Store
	balancer   *balance.Balancer
	registry   *registry.Registry
	classifier Classifier
	bus        domain.EventSink
	logger     *slog.Logger

	mu         sync.Mutex
	manualLoad *float64 // externally reported load, overrides the computed one
}

// New creates a Supervisor. classifier and bus may be nil; a nil classifier
// selects the stock KeywordClassifier.
func New(cfg Config, store *state.Store, bal *balance.Balancer, reg *registry.Registry,
	classifier Classifier, bus domain.EventSink, logger *slog.Logger) *Supervisor {
	if cfg.Bindings == nil {
		cfg.Bindings = DefaultBindings()
	}
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	return &Supervisor{
		cfg:        cfg,
		store:      store,
		balancer:   bal,
		registry:   reg,
		classifier: classifier,
		bus:        bus,
		logger:     logger,
	}
}

// Register announces this supervisor's node to the balancer.
func (s *Supervisor) Register(ctx context.Context) {
	s.balancer.RegisterNode(ctx, domain.SupervisorNode{
		ID:           s.cfg.NodeID,
		Address:      s.cfg.Address,
		Status:       domain.NodeAvailable,
		Capabilities: s.cfg.Capabilities,
		MaxSessions:  s.cfg.MaxSessions,
	})
}

// Deregister withdraws the node; the balancer reassigns its sessions.
func (s *Supervisor) Deregister(ctx context.Context) {
	s.balancer.UnregisterNode(ctx, s.cfg.NodeID)
}

// SetLoad overrides the load figure reported by the next heartbeats.
// A negative value reverts to the computed session-ratio load.
func (s *Supervisor) SetLoad(load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if load < 0 {
		s.manualLoad = nil
		return
	}
	s.manualLoad = &load
}

// Heartbeat reports status and load to the balancer. Driven by the scheduler
// on a fixed interval; a missed beat is tolerated (no eviction on silence).
func (s *Supervisor) Heartbeat(ctx context.Context) {
	load := s.currentLoad()
	status := domain.NodeAvailable
	if load >= 1.0 {
		status = domain.NodeBusy
	}
	s.balancer.UpdateNode(s.cfg.NodeID, status, &load)
	s.logger.Debug("heartbeat", "node_id", s.cfg.NodeID, "status", status, "load", load)
}

func (s *Supervisor) currentLoad() float64 {
	s.mu.Lock()
	manual := s.manualLoad
	s.mu.Unlock()
	if manual != nil {
		return *manual
	}

	for _, node := range s.balancer.Nodes() {
		if node.ID == s.cfg.NodeID && node.MaxSessions > 0 {
			return float64(node.CurrentSessions) / float64(node.MaxSessions)
		}
	}
	return 0
}

// SupervisorStats returns this node's view plus the active agent count.
func (s *Supervisor) SupervisorStats() Stats {
	st := Stats{
		NodeID:       s.cfg.NodeID,
		Status:       domain.NodeOffline,
		ActiveAgents: s.registry.ActiveCount(),
	}
	for _, node := range s.balancer.Nodes() {
		if node.ID == s.cfg.NodeID {
			st.Status = node.Status
			st.Load = node.Load
			st.CurrentSessions = node.CurrentSessions
			st.MaxSessions = node.MaxSessions
		}
	}
	return st
}

// ProcessMessage runs the routing state machine for one message:
// resolve session, infer capabilities, acquire a node, select the handler,
// execute, persist the reply. Terminal states are delivered (success Result)
// and failed (error Result plus error state on the session).
func (s *Supervisor) ProcessMessage(ctx context.Context, sessionID, userID, text string) Result {
	ctx, span := tracer.StartSpan(ctx, "Supervisor.ProcessMessage")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("session.id", sessionID),
		tracer.StringAttr("user.id", userID),
	)

	// 1. Resolve the session, appending the message as a user turn.
	sess := s.store.GetSession(ctx, sessionID)
	if sess == nil {
		s.store.CreateSession(ctx, sessionID, userID, &state.Seed{
			Turns: []domain.Turn{{Role: domain.RoleUser, Text: text}},
		})
	} else if !s.store.AppendTurn(ctx, sessionID, domain.Turn{Role: domain.RoleUser, Text: text}) {
		return s.failed(ctx, span, sessionID, "session vanished while appending message")
	}

	// 2. Infer the capabilities the message needs.
	caps := s.classifier.Classify(text)

	// 3. Acquire a supervisor node with those capabilities.
	nodeID, err := s.balancer.Assign(ctx, sessionID, caps)
	if err != nil {
		return s.failed(ctx, span, sessionID, "no available supervisor node")
	}
	node := nodeID
	s.store.UpdateSession(ctx, sessionID, state.Patch{CurrentNode: &node})

	// 4. Select exactly one handler by priority over the inferred tags.
	agent := s.selectAgent(caps)

	// 5. Execute and persist the reply.
	reply, err := s.registry.Execute(ctx, agent, text)
	if err != nil {
		s.logger.Error("agent execution failed",
			"session_id", sessionID, "agent", agent, "error", err)
		return s.failed(ctx, span, sessionID, err.Error())
	}

	// The persisted AI turn carries the agent tag; the Result does not.
	s.store.AppendTurn(ctx, sessionID, domain.Turn{Role: domain.RoleAI, Text: agent + ": " + reply})

	s.publish(ctx, domain.Event{
		Type:      domain.EventMessageRouted,
		SessionID: sessionID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})
	tracer.SetOK(span)
	return Result{Response: reply, Agent: agent, NodeID: nodeID, Status: StatusSuccess}
}

// selectAgent picks the bound agent for the highest-priority matched tag.
func (s *Supervisor) selectAgent(caps []domain.Capability) string {
	matched := make(map[domain.Capability]bool, len(caps))
	for _, c := range caps {
		matched[c] = true
	}
	for _, tag := range capabilityPriority {
		if matched[tag] {
			if name, ok := s.cfg.Bindings[tag]; ok {
				return name
			}
		}
	}
	return s.cfg.Bindings[domain.CapCalendar]
}

// failed persists the error on the session and builds the terminal Result.
func (s *Supervisor) failed(ctx context.Context, span trace.Span, sessionID, reason string) Result {
	tracer.RecordError(span, errors.New(reason))
	s.store.FailSession(ctx, sessionID, reason)
	s.publish(ctx, domain.Event{
		Type:      domain.EventMessageFailed,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
	return Result{Status: StatusError, Error: reason}
}

func (s *Supervisor) publish(ctx context.Context, event domain.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}
