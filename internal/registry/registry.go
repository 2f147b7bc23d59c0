// Package registry provides capability-indexed agent dispatch with bounded
// concurrent execution.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"calroute/internal/domain"
)

// DefaultWorkers is the worker pool width used when none is configured.
const DefaultWorkers = 10

type execTask struct {
	ctx     context.Context
	handler domain.Handler
	input   string
	reply   chan execResult
}

type execResult struct {
	out string
	err error
}

// Registry holds named handlers plus their descriptors and executes them
// under a fixed-size worker pool. Mutations are immediately visible to all
// concurrent readers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
	meta     map[string]*domain.AgentDescriptor
	active   map[string]bool

	tasks  chan execTask
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

// New creates a Registry backed by `workers` pool goroutines.
// workers <= 0 selects DefaultWorkers.
func New(workers int, logger *slog.Logger) *Registry {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &Registry{
		handlers: make(map[string]domain.Handler),
		meta:     make(map[string]*domain.AgentDescriptor),
		active:   make(map[string]bool),
		tasks:    make(chan execTask),
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for task := range r.tasks {
		task.reply <- r.run(task)
	}
}

// run invokes a handler, converting panics and handler errors into
// ErrAgentExecution so a faulty handler can never take down a worker.
func (r *Registry) run(task execTask) (res execResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("agent handler panicked", "panic", p)
			res = execResult{err: domain.NewDomainError("Registry.Execute",
				domain.ErrAgentExecution, fmt.Sprintf("handler panic: %v", p))}
		}
	}()
	out, err := task.handler(task.ctx, task.input)
	if err != nil {
		return execResult{err: domain.NewDomainError("Registry.Execute",
			domain.ErrAgentExecution, err.Error())}
	}
	return execResult{out: out}
}

// Register inserts or replaces the handler and descriptor atomically and
// marks the agent active. Overwriting an existing registration is not an error.
func (r *Registry) Register(name string, handler domain.Handler, desc domain.AgentDescriptor) {
	desc.Name = name
	if desc.Status == "" {
		desc.Status = domain.AgentStatusActive
	}

	r.mu.Lock()
	r.handlers[name] = handler
	r.meta[name] = &desc
	r.active[name] = desc.Status == domain.AgentStatusActive
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent", name, "capabilities", desc.Capabilities)
}

// Unregister removes the handler and descriptor. Absent names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.handlers[name]
	delete(r.handlers, name)
	delete(r.meta, name)
	delete(r.active, name)
	r.mu.Unlock()

	if existed {
		r.logger.Info("agent unregistered", "agent", name)
	}
}

// IsAvailable reports whether name has a registered handler AND is active.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok && r.active[name]
}

// Execute submits the named handler to the worker pool and blocks until it
// completes. Fails with ErrAgentUnavailable when the agent is missing or
// inactive. A handler fault is reported as ErrAgentExecution; the registry
// stays usable for subsequent calls.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	available := ok && r.active[name]
	r.mu.RUnlock()

	if !available {
		return "", domain.NewDomainError("Registry.Execute", domain.ErrAgentUnavailable, name)
	}

	// Buffered so an abandoned wait never blocks the worker.
	reply := make(chan execResult, 1)
	select {
	case r.tasks <- execTask{ctx: ctx, handler: handler, input: input, reply: reply}:
	case <-ctx.Done():
		return "", domain.WrapOp("Registry.Execute", ctx.Err())
	}

	select {
	case res := <-reply:
		return res.out, res.err
	case <-ctx.Done():
		return "", domain.WrapOp("Registry.Execute", ctx.Err())
	}
}

// FindByCapability returns the names of all active agents whose capability
// set contains tag, sorted for stable order within a call.
func (r *Registry) FindByCapability(tag domain.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, desc := range r.meta {
		if r.active[name] && desc.HasCapability(tag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// UpdateStatus sets the descriptor status. Any non-active status clears the
// availability flag used by IsAvailable. Unknown names are a no-op.
func (r *Registry) UpdateStatus(name string, status domain.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.meta[name]
	if !ok {
		return
	}
	desc.Status = status
	r.active[name] = status == domain.AgentStatusActive
}

// Descriptor returns a copy of the named agent's descriptor, or nil.
func (r *Registry) Descriptor(name string) *domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.meta[name]
	if !ok {
		return nil
	}
	cp := *desc
	return &cp
}

// List returns descriptors for every registered agent, sorted by name.
func (r *Registry) List() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentDescriptor, 0, len(r.meta))
	for _, desc := range r.meta {
		out = append(out, *desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveCount returns the number of active agents.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, on := range r.active {
		if on {
			n++
		}
	}
	return n
}

// Close stops the worker pool. Execute must not be called after Close.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.tasks)
		r.wg.Wait()
	})
}
