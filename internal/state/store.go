// Package state provides durable, TTL-expiring conversation session storage
// with a degraded in-process fallback.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"calroute/internal/domain"
)

const (
	sessionPrefix = "conversation:"
	userPrefix    = "user:"

	// DefaultTTL is the retention window for session records.
	DefaultTTL = time.Hour
	// userIndexTTLFactor scales the session TTL for the per-user index set.
	userIndexTTLFactor = 24
)

// Default circuit breaker settings for the durable path.
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// Options configures a Store.
type Options struct {
	// TTL is the expiration applied to durable session records, refreshed on
	// every successful write. Zero selects DefaultTTL.
	TTL time.Duration
	// BreakerMaxFailures is the consecutive-failure count that opens the
	// circuit on the durable path.
	BreakerMaxFailures uint32
	// BreakerTimeout is how long the circuit stays open before a probe.
	BreakerTimeout time.Duration
	// BreakerInterval is the cyclic period for clearing failure counts.
	BreakerInterval time.Duration
}

// Seed optionally pre-populates a new session.
type Seed struct {
	Turns       []domain.Turn
	CurrentNode string
	Metadata    map[string]string
}

// Patch contains optional field changes for UpdateSession.
type Patch struct {
	Status      *domain.SessionStatus
	CurrentNode *string
	Metadata    map[string]string // merged key-by-key into existing metadata
}

// Stats is a best-effort aggregate over all stored sessions.
type Stats struct {
	Total     int `json:"total_sessions"`
	Active    int `json:"active_sessions"`
	Completed int `json:"completed_sessions"`
	Error     int `json:"error_sessions"`
}

// Store holds one record per conversation session. Every write attempts the
// durable TTL store first; on any backing-store fault the operation degrades
// to an in-process fallback map under the same logical contract, and a
// warning is surfaced once per outage. Operations on different session ids
// are fully independent; callers serialize operations on the same id.
type Store struct {
	client  RedisClient // nil = fallback-only mode
	breaker *gobreaker.CircuitBreaker[any]
	ttl     time.Duration
	bus     domain.EventSink
	logger  *slog.Logger

	warned atomic.Bool // degradation warning emitted for the current outage

	fb fallback
}

// fallback is the in-process map used when the backing store is unreachable.
// It has no native TTL; SweepExpired is its only cleanup path.
type fallback struct {
	mu       sync.RWMutex
	sessions map[string]*domain.ConversationSession
	users    map[string]map[string]struct{} // userID -> session ids
}

// New creates a Store. A nil client puts the store permanently in fallback
// mode (useful for development and tests); otherwise the durable path is
// guarded by a circuit breaker so a flapping backend degrades fast.
func New(client RedisClient, opts Options, bus domain.EventSink, logger *slog.Logger) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	interval := opts.BreakerInterval
	if interval <= 0 {
		interval = defaultBreakerInterval
	}

	s := &Store{
		client: client,
		ttl:    ttl,
		bus:    bus,
		logger: logger,
		fb: fallback{
			sessions: make(map[string]*domain.ConversationSession),
			users:    make(map[string]map[string]struct{}),
		},
	}

	if client == nil {
		logger.Warn("no backing store configured, using in-process fallback only")
		s.warned.Store(true)
		return s
	}

	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "state:redis",
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// A key miss is a healthy answer, not a backend fault.
			return err == nil || errors.Is(err, ErrKeyMissing)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backing store circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// TTL returns the configured durable retention window.
func (s *Store) TTL() time.Duration { return s.ttl }

func sessionKey(id string) string { return sessionPrefix + id }
func userKey(userID string) string {
	return userPrefix + userID + ":sessions"
}

// durable runs fn through the circuit breaker. Any error means the caller
// must degrade to the fallback path.
func (s *Store) durable(fn func() error) error {
	if s.client == nil {
		return domain.ErrStoreUnavailable
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil || errors.Is(err, ErrKeyMissing) {
		// Backend is healthy again; arm the warning for the next outage.
		s.warned.Store(false)
	}
	return err
}

// degrade surfaces the fallback warning once per outage.
func (s *Store) degrade(op string, err error) {
	if s.warned.Swap(true) {
		return
	}
	s.logger.Warn("backing store unavailable, degrading to in-process fallback",
		"op", op, "error", err)
	s.publish(context.Background(), domain.Event{
		Type:      domain.EventStoreDegraded,
		Timestamp: time.Now(),
	})
}

func (s *Store) publish(ctx context.Context, event domain.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}

// CreateSession creates a session with status active and equal timestamps,
// overwriting any existing record for that id. It never fails: a durable
// fault degrades the write to the fallback map.
func (s *Store) CreateSession(ctx context.Context, id, userID string, seed *Seed) *domain.ConversationSession {
	now := time.Now().UTC()
	sess := &domain.ConversationSession{
		SessionID: id,
		UserID:    userID,
		Turns:     []domain.Turn{},
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
	if seed != nil {
		sess.Turns = append(sess.Turns, seed.Turns...)
		sess.CurrentNode = seed.CurrentNode
		for k, v := range seed.Metadata {
			sess.Metadata[k] = v
		}
	}

	s.writeSession(ctx, sess)
	s.logger.Info("session created", "session_id", id, "user_id", userID)
	s.publish(ctx, domain.Event{
		Type:      domain.EventSessionCreated,
		SessionID: id,
		Timestamp: now,
	})
	return sess.Clone()
}

// writeSession persists a session, durable path first. On durable success the
// fallback copy (if any) is dropped so reads converge on the authority.
func (s *Store) writeSession(ctx context.Context, sess *domain.ConversationSession) {
	data, err := json.Marshal(sess)
	if err != nil {
		// Sessions are plain data; this indicates a programming error.
		s.logger.Error("marshal session", "session_id", sess.SessionID, "error", err)
		return
	}

	err = s.durable(func() error {
		if err := s.client.Set(ctx, sessionKey(sess.SessionID), data, s.ttl); err != nil {
			return err
		}
		uk := userKey(sess.UserID)
		if err := s.client.SAdd(ctx, uk, sess.SessionID); err != nil {
			return err
		}
		return s.client.Expire(ctx, uk, s.ttl*userIndexTTLFactor)
	})
	if err != nil {
		s.degrade("writeSession", err)
		s.fb.put(sess.Clone())
		return
	}
	s.fb.remove(sess.SessionID, sess.UserID)
}

// GetSession returns the stored record, or nil when missing or corrupt.
// A corrupt durable record is logged and treated as absent, never raised.
func (s *Store) GetSession(ctx context.Context, id string) *domain.ConversationSession {
	var data []byte
	err := s.durable(func() error {
		var getErr error
		data, getErr = s.client.Get(ctx, sessionKey(id))
		return getErr
	})
	switch {
	case err == nil:
		var sess domain.ConversationSession
		if uerr := json.Unmarshal(data, &sess); uerr != nil {
			s.logger.Error("corrupt session record, treating as absent",
				"session_id", id, "error", uerr)
			return nil
		}
		return &sess
	case errors.Is(err, ErrKeyMissing):
		// Absent from the durable store; a degraded write may live in the
		// fallback map.
		return s.fb.get(id)
	default:
		s.degrade("GetSession", err)
		return s.fb.get(id)
	}
}

// UpdateSession merges the given field changes and bumps updated-at.
// Returns false when the session does not exist.
func (s *Store) UpdateSession(ctx context.Context, id string, patch Patch) bool {
	sess := s.GetSession(ctx, id)
	if sess == nil {
		return false
	}

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.CurrentNode != nil {
		sess.CurrentNode = *patch.CurrentNode
	}
	if len(patch.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		for k, v := range patch.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.UpdatedAt = time.Now().UTC()

	s.writeSession(ctx, sess)
	return true
}

// AppendTurn appends one turn to the session's history and bumps updated-at.
// Returns false when the session does not exist. Turns are only ever appended,
// in issue order; per-session ordering is the caller's responsibility (one
// in-flight operation per session id).
func (s *Store) AppendTurn(ctx context.Context, id string, turn domain.Turn) bool {
	sess := s.GetSession(ctx, id)
	if sess == nil {
		return false
	}

	sess.Turns = append(sess.Turns, turn)
	sess.UpdatedAt = time.Now().UTC()

	s.writeSession(ctx, sess)
	s.publish(ctx, domain.Event{
		Type:      domain.EventTurnAppended,
		SessionID: id,
		Timestamp: sess.UpdatedAt,
	})
	return true
}

// CompleteSession marks a session completed.
func (s *Store) CompleteSession(ctx context.Context, id string) bool {
	status := domain.SessionCompleted
	return s.UpdateSession(ctx, id, Patch{Status: &status})
}

// FailSession marks a session errored, recording the reason in its metadata.
func (s *Store) FailSession(ctx context.Context, id, reason string) bool {
	status := domain.SessionError
	return s.UpdateSession(ctx, id, Patch{
		Status:   &status,
		Metadata: map[string]string{domain.MetaError: reason},
	})
}

// DeleteSession removes the record and its membership in the owning user's
// index. Returns whether a record existed.
func (s *Store) DeleteSession(ctx context.Context, id string) bool {
	sess := s.GetSession(ctx, id)
	if sess == nil {
		return false
	}

	err := s.durable(func() error {
		if err := s.client.Del(ctx, sessionKey(id)); err != nil {
			return err
		}
		return s.client.SRem(ctx, userKey(sess.UserID), id)
	})
	if err != nil && !errors.Is(err, ErrKeyMissing) {
		s.degrade("DeleteSession", err)
	}
	s.fb.remove(id, sess.UserID)

	s.logger.Info("session deleted", "session_id", id)
	return true
}

// SessionsForUser returns all sessions currently indexed under userID.
// Records that fail to load are skipped, not fatal.
func (s *Store) SessionsForUser(ctx context.Context, userID string) []*domain.ConversationSession {
	ids := make(map[string]struct{})

	var members []string
	err := s.durable(func() error {
		var serr error
		members, serr = s.client.SMembers(ctx, userKey(userID))
		return serr
	})
	if err != nil && !errors.Is(err, ErrKeyMissing) {
		s.degrade("SessionsForUser", err)
	}
	for _, id := range members {
		ids[id] = struct{}{}
	}
	for _, id := range s.fb.idsForUser(userID) {
		ids[id] = struct{}{}
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	sessions := make([]*domain.ConversationSession, 0, len(ordered))
	for _, id := range ordered {
		if sess := s.GetSession(ctx, id); sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// allSessionIDs merges durable and fallback ids for full-scan operations.
func (s *Store) allSessionIDs(ctx context.Context) []string {
	ids := make(map[string]struct{})

	var keys []string
	err := s.durable(func() error {
		var kerr error
		keys, kerr = s.client.Keys(ctx, sessionPrefix+"*")
		return kerr
	})
	if err != nil {
		s.degrade("allSessionIDs", err)
	}
	for _, key := range keys {
		ids[strings.TrimPrefix(key, sessionPrefix)] = struct{}{}
	}
	for _, id := range s.fb.ids() {
		ids[id] = struct{}{}
	}

	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SweepExpired deletes every session whose updated-at is older than maxAge
// and returns the count removed. Deletions are individually atomic, so the
// sweep is safe to run concurrently with normal traffic. The fallback map has
// no native TTL and relies solely on this sweep for cleanup.
func (s *Store) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	removed := 0
	for _, id := range s.allSessionIDs(ctx) {
		sess := s.GetSession(ctx, id)
		if sess == nil || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if s.DeleteSession(ctx, id) {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expired sessions swept", "count", removed)
		s.publish(ctx, domain.Event{
			Type:      domain.EventSessionsSwept,
			Timestamp: time.Now(),
		})
	}
	return removed
}

// SessionStats aggregates session counts with a full scan. Accuracy is
// best-effort under concurrent mutation.
func (s *Store) SessionStats(ctx context.Context) Stats {
	var st Stats
	for _, id := range s.allSessionIDs(ctx) {
		sess := s.GetSession(ctx, id)
		if sess == nil {
			continue
		}
		st.Total++
		switch sess.Status {
		case domain.SessionActive:
			st.Active++
		case domain.SessionCompleted:
			st.Completed++
		case domain.SessionError:
			st.Error++
		}
	}
	return st
}

// Degraded reports whether the store is currently serving from the fallback
// path (or was constructed without a backing client).
func (s *Store) Degraded() bool { return s.warned.Load() }

// --- fallback map ---

func (f *fallback) put(sess *domain.ConversationSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.SessionID] = sess
	idx, ok := f.users[sess.UserID]
	if !ok {
		idx = make(map[string]struct{})
		f.users[sess.UserID] = idx
	}
	idx[sess.SessionID] = struct{}{}
}

func (f *fallback) get(id string) *domain.ConversationSession {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sessions[id].Clone()
}

func (f *fallback) remove(id, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	if idx, ok := f.users[userID]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(f.users, userID)
		}
	}
}

func (f *fallback) idsForUser(userID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.users[userID]))
	for id := range f.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (f *fallback) ids() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}
