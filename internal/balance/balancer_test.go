package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calroute/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failerRecorder struct {
	failed map[string]string
}

func (f *failerRecorder) FailSession(_ context.Context, id, reason string) bool {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	return true
}

func node(id string, load float64, maxSessions int, caps ...domain.Capability) domain.SupervisorNode {
	return domain.SupervisorNode{
		ID:           id,
		Address:      id + ":9000",
		Status:       domain.NodeAvailable,
		Load:         load,
		Capabilities: caps,
		MaxSessions:  maxSessions,
	}
}

func TestAssignPicksLeastLoaded(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("n1", 0.8, 10, domain.CapCalendar))
	b.RegisterNode(ctx, node("n2", 0.3, 10, domain.CapCalendar))
	b.RegisterNode(ctx, node("n3", 0.5, 10, domain.CapCalendar))

	got, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)
	assert.Equal(t, "n2", got)
	assert.Equal(t, "n2", b.AssignmentFor("s1"))
}

func TestAssignTieBreaksByRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("first", 0.5, 10))
	b.RegisterNode(ctx, node("second", 0.5, 10))

	got, err := b.Assign(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestAssignFiltersByCapability(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("cal", 0.1, 10, domain.CapCalendar))
	b.RegisterNode(ctx, node("full", 0.9, 10, domain.CapCalendar, domain.CapScheduling))

	// The lighter node lacks scheduling, so the heavier one must win.
	got, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar, domain.CapScheduling})
	require.NoError(t, err)
	assert.Equal(t, "full", got)
}

func TestAssignNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("tiny", 0.0, 2, domain.CapCalendar))

	for i, id := range []string{"s1", "s2"} {
		got, err := b.Assign(ctx, id, []domain.Capability{domain.CapCalendar})
		require.NoError(t, err, "session %d", i)
		assert.Equal(t, "tiny", got)
	}

	_, err := b.Assign(ctx, "s3", []domain.Capability{domain.CapCalendar})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoSupervisor))

	nodes := b.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, 2, nodes[0].CurrentSessions)
}

func TestAssignNoQualifyingNode(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())

	_, err := b.Assign(ctx, "s1", nil)
	assert.True(t, errors.Is(err, domain.ErrNoSupervisor))

	busy := node("n1", 0.1, 10, domain.CapCalendar)
	busy.Status = domain.NodeOffline
	b.RegisterNode(ctx, busy)
	_, err = b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	assert.True(t, errors.Is(err, domain.ErrNoSupervisor))
}

func TestReassignReleasesPreviousNode(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("n1", 0.1, 10, domain.CapCalendar))
	b.RegisterNode(ctx, node("n2", 0.9, 10, domain.CapCalendar))

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	// Assignment is not sticky: the same session can move, and the old
	// node's count drops.
	low := 0.05
	b.UpdateNode("n2", domain.NodeAvailable, &low)
	got, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)
	assert.Equal(t, "n2", got)

	for _, n := range b.Nodes() {
		switch n.ID {
		case "n1":
			assert.Equal(t, 0, n.CurrentSessions)
		case "n2":
			assert.Equal(t, 1, n.CurrentSessions)
		}
	}
}

func TestUnregisterReassignsSessions(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("doomed", 0.1, 10, domain.CapCalendar))
	b.RegisterNode(ctx, node("backup", 0.2, 10, domain.CapCalendar))

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	b.UnregisterNode(ctx, "doomed")
	assert.Equal(t, "backup", b.AssignmentFor("s1"))
	require.Len(t, b.Nodes(), 1)
	assert.Equal(t, 1, b.Nodes()[0].CurrentSessions)
}

func TestUnregisterReassignsAcrossCapabilitySets(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("doomed", 0.1, 10,
		domain.CapCalendar, domain.CapScheduling, domain.CapModification, domain.CapDeletion))
	b.RegisterNode(ctx, node("backup", 0.5, 10, domain.CapCalendar))

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	// The narrower backup node must still take the session over; the removed
	// node's full capability set is not re-asserted.
	b.UnregisterNode(ctx, "doomed")
	assert.Equal(t, "backup", b.AssignmentFor("s1"))
}

func TestUnregisterFailsUnplaceableSessions(t *testing.T) {
	ctx := context.Background()
	failer := &failerRecorder{}
	b := New(failer, nil, testLogger())
	b.RegisterNode(ctx, node("only", 0.1, 10, domain.CapCalendar))

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	b.UnregisterNode(ctx, "only")
	assert.Empty(t, b.AssignmentFor("s1"))
	assert.Contains(t, failer.failed["s1"], "supervisor")
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	b := New(nil, nil, testLogger())
	b.UnregisterNode(context.Background(), "ghost")
	assert.Empty(t, b.Nodes())
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("n1", 0.1, 10, domain.CapCalendar))

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	b.Release("s1")
	assert.Empty(t, b.AssignmentFor("s1"))
	assert.Equal(t, 0, b.Nodes()[0].CurrentSessions)

	b.Release("s1") // second release is a no-op
	assert.Equal(t, 0, b.Nodes()[0].CurrentSessions)
}

func TestUpdateNodeRefreshesHeartbeat(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("n1", 0.1, 10))
	before := b.Nodes()[0].LastHeartbeat

	load := 0.7
	b.UpdateNode("n1", domain.NodeBusy, &load)
	got := b.Nodes()[0]
	assert.Equal(t, domain.NodeBusy, got.Status)
	assert.Equal(t, 0.7, got.Load)
	assert.False(t, got.LastHeartbeat.Before(before))

	b.UpdateNode("ghost", domain.NodeAvailable, nil) // unknown id is a no-op
	assert.Len(t, b.Nodes(), 1)
}

func TestBalancerStats(t *testing.T) {
	ctx := context.Background()
	b := New(nil, nil, testLogger())
	b.RegisterNode(ctx, node("n1", 0.2, 10, domain.CapCalendar))
	off := node("n2", 0.6, 10, domain.CapCalendar)
	off.Status = domain.NodeOffline
	b.RegisterNode(ctx, off)

	_, err := b.Assign(ctx, "s1", []domain.Capability{domain.CapCalendar})
	require.NoError(t, err)

	st := b.BalancerStats()
	assert.Equal(t, 2, st.TotalNodes)
	assert.Equal(t, 1, st.AvailableNodes)
	assert.Equal(t, 1, st.TotalSessions)
	assert.InDelta(t, 0.4, st.AverageLoad, 1e-9)
}
