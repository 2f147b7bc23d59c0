package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calroute/internal/domain"
)

func TestMemoryBackendCRUD(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	ev, err := b.Create(ctx, Event{Summary: "standup", Start: time.Now()})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, DefaultTimeZone, ev.TimeZone)

	events, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	updated, err := b.Update(ctx, ev.ID, "daily standup")
	require.NoError(t, err)
	assert.Equal(t, "daily standup", updated.Summary)

	_, err = b.Update(ctx, "ghost", "x")
	assert.Error(t, err)

	require.NoError(t, b.Delete(ctx, ev.ID))
	assert.Error(t, b.Delete(ctx, ev.ID))

	events, err = b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryBackendListSortedByStart(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	now := time.Now()

	_, err := b.Create(ctx, Event{Summary: "later", Start: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	_, err = b.Create(ctx, Event{Summary: "sooner", Start: now.Add(time.Hour)})
	require.NoError(t, err)

	events, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "sooner", events[0].Summary)
	assert.Equal(t, "later", events[1].Summary)
}

func TestCheckerHandler(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	handler := CheckerHandler(b)

	reply, err := handler(ctx, "am I free?")
	require.NoError(t, err)
	assert.Contains(t, reply, "clear")

	_, err = b.Create(ctx, Event{Summary: "standup", Start: time.Now()})
	require.NoError(t, err)

	reply, err = handler(ctx, "am I free?")
	require.NoError(t, err)
	assert.Contains(t, reply, "1 upcoming")
	assert.Contains(t, reply, "standup")
}

func TestSchedulerHandlerCreatesEvent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	reply, err := SchedulerHandler(b)(ctx, "schedule a meeting tomorrow at 3pm")
	require.NoError(t, err)
	assert.Contains(t, reply, "Scheduled")

	events, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "schedule a meeting tomorrow at 3pm", events[0].Summary)
	assert.Equal(t, time.Hour, events[0].End.Sub(events[0].Start))
}

func TestModifierAndRemoverHandlers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	// Nothing to touch yet.
	reply, err := ModifierHandler(b)(ctx, "rename it")
	require.NoError(t, err)
	assert.Contains(t, reply, "no events")
	reply, err = RemoverHandler(b)(ctx, "cancel it")
	require.NoError(t, err)
	assert.Contains(t, reply, "no events")

	_, err = b.Create(ctx, Event{Summary: "old title", Start: time.Now()})
	require.NoError(t, err)

	reply, err = ModifierHandler(b)(ctx, "planning sync")
	require.NoError(t, err)
	assert.Contains(t, reply, "planning sync")

	reply, err = RemoverHandler(b)(ctx, "cancel it")
	require.NoError(t, err)
	assert.Contains(t, reply, "Removed")

	events, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

type registrarRecorder struct {
	descs map[string]domain.AgentDescriptor
}

func (r *registrarRecorder) Register(name string, _ domain.Handler, desc domain.AgentDescriptor) {
	if r.descs == nil {
		r.descs = make(map[string]domain.AgentDescriptor)
	}
	r.descs[name] = desc
}

func TestRegisterAgentsMetadata(t *testing.T) {
	rec := &registrarRecorder{}
	RegisterAgents(rec, NewMemoryBackend())

	require.Len(t, rec.descs, 4)

	sched := rec.descs[SchedulerName]
	assert.Equal(t, "Schedules new calendar events", sched.Description)
	assert.Contains(t, sched.Capabilities, domain.CapScheduling)
	assert.Equal(t, "1.0.0", sched.Version)
	assert.Equal(t, []string{"google-calendar-api"}, sched.Dependencies)
	assert.Equal(t, DefaultTimeZone, sched.Config["timezone"])

	assert.Contains(t, rec.descs[RemoverName].Capabilities, domain.CapDeletion)
	assert.Contains(t, rec.descs[ModifierName].Capabilities, domain.CapModification)
	assert.Contains(t, rec.descs[CheckerName].Capabilities, domain.CapCalendar)
}
