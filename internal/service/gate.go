package service

import (
	"context"
	"sync"

	"calroute/internal/domain"
)

// sessionGate serializes operations per session id. The core appends turns
// in issue order but does not lock per session itself, so the boundary layer
// admits one in-flight request per id at a time.
type sessionGate struct {
	mu    sync.Mutex
	gates map[string]*gateEntry
}

type gateEntry struct {
	slot chan struct{} // capacity 1; holding the token = owning the session
	refs int
}

func newSessionGate() *sessionGate {
	return &sessionGate{gates: make(map[string]*gateEntry)}
}

// acquire blocks until the session slot is free or ctx is done. On success
// the returned release function must be called exactly once.
func (g *sessionGate) acquire(ctx context.Context, sessionID string) (release func(), err error) {
	g.mu.Lock()
	entry, ok := g.gates[sessionID]
	if !ok {
		entry = &gateEntry{slot: make(chan struct{}, 1)}
		g.gates[sessionID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
		return func() {
			<-entry.slot
			g.drop(sessionID, entry)
		}, nil
	case <-ctx.Done():
		g.drop(sessionID, entry)
		return nil, domain.WrapOp("Service.acquireSession", ctx.Err())
	}
}

func (g *sessionGate) drop(sessionID string, entry *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.gates, sessionID)
	}
}

// activeCount returns the number of sessions with held or pending slots.
func (g *sessionGate) activeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}
