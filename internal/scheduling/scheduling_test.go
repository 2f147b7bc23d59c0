package scheduling

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(newTestLogger())
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestActionFiresOnInterval(t *testing.T) {
	var count atomic.Int32

	s := New(newTestLogger())
	s.RegisterAction(ActionSessionSweep, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(Task{Name: "sweep", Schedule: "50ms", Action: ActionSessionSweep}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	s := New(newTestLogger())
	if err := s.AddTask(Task{Name: "x", Schedule: "50ms", Action: "does_not_exist"}); err == nil {
		t.Error("expected error for unregistered action")
	}
}

func TestInvalidScheduleRejected(t *testing.T) {
	s := New(newTestLogger())
	s.RegisterAction(ActionHeartbeat, func(context.Context) error { return nil })

	for _, schedule := range []string{"", "not-a-schedule", "-5s"} {
		if err := s.AddTask(Task{Name: "x", Schedule: schedule, Action: ActionHeartbeat}); err == nil {
			t.Errorf("schedule %q: expected error", schedule)
		}
	}
}

func TestCronExpressionAccepted(t *testing.T) {
	s := New(newTestLogger())
	s.RegisterAction(ActionSessionSweep, func(context.Context) error { return nil })

	if err := s.AddTask(Task{Name: "sweep", Schedule: "*/5 * * * *", Action: ActionSessionSweep}); err != nil {
		t.Fatalf("cron expression rejected: %v", err)
	}
	if err := s.AddTask(Task{Name: "sweep2", Schedule: "@hourly", Action: ActionSessionSweep}); err != nil {
		t.Fatalf("descriptor rejected: %v", err)
	}
}

func TestStopHaltsTasks(t *testing.T) {
	var count atomic.Int32

	s := New(newTestLogger())
	s.RegisterAction(ActionHeartbeat, func(context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(Task{Name: "beat", Schedule: "50ms", Action: ActionHeartbeat})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	after := count.Load()
	time.Sleep(100 * time.Millisecond)
	if count.Load() != after {
		t.Error("task continued firing after Stop")
	}
}

func TestStopWaitsForRunningTaskWithoutHoldingLock(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})

	s := New(newTestLogger())
	s.RegisterAction(ActionSessionSweep, func(context.Context) error {
		select {
		case running <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err := s.AddTask(Task{Name: "sweep", Schedule: "10ms", Action: ActionSessionSweep}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	<-running

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// While Stop waits for the blocked task, the scheduler mutex must stay
	// free; a task firing in that window needs it to read its context.
	registered := make(chan struct{})
	go func() {
		s.RegisterAction(ActionHeartbeat, func(context.Context) error { return nil })
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler mutex held while Stop waits for a running task")
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the task finished")
	}
}

func TestMultipleTasks(t *testing.T) {
	var sweeps, beats atomic.Int32

	s := New(newTestLogger())
	s.RegisterAction(ActionSessionSweep, func(context.Context) error {
		sweeps.Add(1)
		return nil
	})
	s.RegisterAction(ActionHeartbeat, func(context.Context) error {
		beats.Add(1)
		return nil
	})
	s.AddTask(Task{Name: "sweep", Schedule: "50ms", Action: ActionSessionSweep})
	s.AddTask(Task{Name: "beat", Schedule: "50ms", Action: ActionHeartbeat})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if sweeps.Load() < 1 {
		t.Error("sweep never fired")
	}
	if beats.Load() < 1 {
		t.Error("heartbeat never fired")
	}
}
