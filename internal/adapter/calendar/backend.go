// Package calendar provides the calendar-backed agent handlers and the
// backend they operate against.
package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"calroute/internal/domain"
)

// DefaultTimeZone is the zone events are created in when none is given.
const DefaultTimeZone = "Asia/Colombo"

// Event is one calendar entry.
type Event struct {
	ID       string    `json:"id"`
	Summary  string    `json:"summary"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"time_zone"`
}

// Backend is the calendar storage the agent handlers call into. A production
// deployment would back this with an external calendar API.
type Backend interface {
	List(ctx context.Context) ([]Event, error)
	Create(ctx context.Context, event Event) (Event, error)
	Update(ctx context.Context, id string, summary string) (Event, error)
	Delete(ctx context.Context, id string) error
}

// MemoryBackend is a goroutine-safe in-process Backend.
type MemoryBackend struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{events: make(map[string]Event)}
}

// List returns all events ordered by start time.
func (b *MemoryBackend) List(_ context.Context) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Create stores the event, assigning an id and the default time zone where
// missing.
func (b *MemoryBackend) Create(_ context.Context, event Event) (Event, error) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.TimeZone == "" {
		event.TimeZone = DefaultTimeZone
	}

	b.mu.Lock()
	b.events[event.ID] = event
	b.mu.Unlock()
	return event, nil
}

// Update replaces the event's summary. Unknown ids fail with
// ErrSessionNotFound-style explicit absence.
func (b *MemoryBackend) Update(_ context.Context, id, summary string) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev, ok := b.events[id]
	if !ok {
		return Event{}, domain.NewDomainError("calendar.Update", domain.ErrInvalidInput, "unknown event "+id)
	}
	ev.Summary = summary
	b.events[id] = ev
	return ev, nil
}

// Delete removes the event. Unknown ids are an error, not a silent no-op.
func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.events[id]; !ok {
		return domain.NewDomainError("calendar.Delete", domain.ErrInvalidInput, "unknown event "+id)
	}
	delete(b.events, id)
	return nil
}
