// Package service is the boundary consumed by the transport layer: it fills
// in missing ids, applies per-user rate limits, serializes work per session,
// and delegates routing to the supervisor.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"calroute/internal/balance"
	"calroute/internal/domain"
	"calroute/internal/registry"
	"calroute/internal/state"
	"calroute/internal/supervise"
)

// AnonymousUser is the user id substituted when the caller supplies none.
const AnonymousUser = "anonymous"

// Config tunes the service boundary.
type Config struct {
	// RatePerSecond is the sustained per-user message rate. Zero or negative
	// disables rate limiting.
	RatePerSecond float64
	// RateBurst is the per-user burst allowance. Zero selects 1 when
	// limiting is enabled.
	RateBurst int
}

// AgentCounts summarizes registry occupancy.
type AgentCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// SystemStats aggregates counters across all subsystems.
type SystemStats struct {
	Sessions  state.Stats   `json:"sessions"`
	Balancer  balance.Stats `json:"load_balancer"`
	Agents    AgentCounts   `json:"agents"`
	Timestamp time.Time     `json:"timestamp"`
}

// Health is the health-check shape exposed to the transport layer.
type Health struct {
	Status           string            `json:"status"`
	ActiveAgents     int               `json:"active_agents"`
	SupervisorStatus domain.NodeStatus `json:"supervisor_status"`
}

// Service wires the routing core together behind one façade.
type Service struct {
	cfg        Config
	store      *state.Store
	balancer   *balance.Balancer
	registry   *registry.Registry
	supervisor *supervise.Supervisor
	gate       *sessionGate
	logger     *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Service.
func New(cfg Config, store *state.Store, bal *balance.Balancer, reg *registry.Registry,
	sup *supervise.Supervisor, logger *slog.Logger) *Service {
	if cfg.RatePerSecond > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		balancer:   bal,
		registry:   reg,
		supervisor: sup,
		gate:       newSessionGate(),
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (s *Service) allow(userID string) bool {
	if s.cfg.RatePerSecond <= 0 {
		return true
	}
	s.limitMu.Lock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
		s.limiters[userID] = limiter
	}
	s.limitMu.Unlock()
	return limiter.Allow()
}

// ProcessMessage routes one message. Empty ids are filled in: a fresh ULID
// for the session, AnonymousUser for the user. Only one call per session id
// runs at a time; concurrent calls for the same session queue behind it.
func (s *Service) ProcessMessage(ctx context.Context, sessionID, userID, text string) (supervise.Result, error) {
	if text == "" {
		return supervise.Result{}, domain.NewDomainError("Service.ProcessMessage",
			domain.ErrInvalidInput, "empty message text")
	}
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	if userID == "" {
		userID = AnonymousUser
	}

	if !s.allow(userID) {
		s.logger.Warn("rate limit exceeded", "user_id", userID)
		return supervise.Result{}, domain.NewDomainError("Service.ProcessMessage",
			domain.ErrRateLimit, userID)
	}

	release, err := s.gate.acquire(ctx, sessionID)
	if err != nil {
		return supervise.Result{}, err
	}
	defer release()

	return s.supervisor.ProcessMessage(ctx, sessionID, userID, text), nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	sess := s.store.GetSession(ctx, sessionID)
	if sess == nil {
		return nil, domain.NewDomainError("Service.GetSession", domain.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// ListUserSessions returns every stored session for userID, possibly empty.
func (s *Service) ListUserSessions(ctx context.Context, userID string) []*domain.ConversationSession {
	if userID == "" {
		userID = AnonymousUser
	}
	return s.store.SessionsForUser(ctx, userID)
}

// DeleteSession removes the session and releases its node assignment.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if !s.store.DeleteSession(ctx, sessionID) {
		return domain.NewDomainError("Service.DeleteSession", domain.ErrSessionNotFound, sessionID)
	}
	s.balancer.Release(sessionID)
	return nil
}

// ListAgents returns descriptors for all registered agents.
func (s *Service) ListAgents() []domain.AgentDescriptor {
	return s.registry.List()
}

// AgentInfo returns the named agent's descriptor or ErrAgentUnavailable.
func (s *Service) AgentInfo(name string) (*domain.AgentDescriptor, error) {
	desc := s.registry.Descriptor(name)
	if desc == nil {
		return nil, domain.NewDomainError("Service.AgentInfo", domain.ErrAgentUnavailable, name)
	}
	return desc, nil
}

// SetAgentStatus changes an agent's lifecycle status.
func (s *Service) SetAgentStatus(name string, status domain.AgentStatus) error {
	if !domain.ValidAgentStatus(status) {
		return domain.NewDomainError("Service.SetAgentStatus", domain.ErrInvalidInput, string(status))
	}
	if s.registry.Descriptor(name) == nil {
		return domain.NewDomainError("Service.SetAgentStatus", domain.ErrAgentUnavailable, name)
	}
	s.registry.UpdateStatus(name, status)
	s.logger.Info("agent status changed", "agent", name, "status", status)
	return nil
}

// SupervisorStats returns this node's supervisor view.
func (s *Service) SupervisorStats() supervise.Stats {
	return s.supervisor.SupervisorStats()
}

// SystemStats aggregates counters from the store, balancer, and registry.
func (s *Service) SystemStats(ctx context.Context) SystemStats {
	return SystemStats{
		Sessions: s.store.SessionStats(ctx),
		Balancer: s.balancer.BalancerStats(),
		Agents: AgentCounts{
			Total:  len(s.registry.List()),
			Active: s.registry.ActiveCount(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// HealthCheck reports overall liveness: healthy needs at least one active
// agent and a supervisor node the balancer can route to.
func (s *Service) HealthCheck() Health {
	sup := s.supervisor.SupervisorStats()
	h := Health{
		Status:           "healthy",
		ActiveAgents:     sup.ActiveAgents,
		SupervisorStatus: sup.Status,
	}
	if h.ActiveAgents == 0 ||
		(sup.Status != domain.NodeAvailable && sup.Status != domain.NodeBusy) {
		h.Status = "degraded"
	}
	return h
}
