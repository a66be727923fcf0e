package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/store"
)

type fakeDispatcher struct {
	calls []string
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, label, prompt string) error {
	d.calls = append(d.calls, label+":"+prompt)
	return d.err
}

func newTestScheduler(t *testing.T, d *fakeDispatcher) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, d, nil, time.Second), s
}

func saveTask(t *testing.T, s *store.Store, id, scheduleJSON string, due time.Time) {
	t.Helper()
	task := &store.ScheduledTask{
		ID:         id,
		AgentLabel: "worker-1",
		Name:       id,
		Schedule:   scheduleJSON,
		Prompt:     "run the checks",
		Status:     "active",
		NextRunAt:  &due,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}
}

func TestPollDispatchesDueTask(t *testing.T) {
	d := &fakeDispatcher{}
	sched, s := newTestScheduler(t, d)

	saveTask(t, s, "t1", `{"kind":"interval","interval_ms":60000}`, time.Now().Add(-time.Minute))
	sched.Poll(context.Background())

	if len(d.calls) != 1 || d.calls[0] != "worker-1:run the checks" {
		t.Fatalf("unexpected dispatches: %v", d.calls)
	}

	task, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.LastStatus != "success" {
		t.Errorf("last status = %q, want success", task.LastStatus)
	}
	if task.NextRunAt == nil || !task.NextRunAt.After(time.Now()) {
		t.Errorf("interval task was not rescheduled: %v", task.NextRunAt)
	}
	if task.Status != "active" {
		t.Errorf("interval task status = %q, want active", task.Status)
	}
}

func TestPollSkipsFutureAndInactiveTasks(t *testing.T) {
	d := &fakeDispatcher{}
	sched, s := newTestScheduler(t, d)

	saveTask(t, s, "future", `{"kind":"interval","interval_ms":60000}`, time.Now().Add(time.Hour))
	saveTask(t, s, "paused", `{"kind":"interval","interval_ms":60000}`, time.Now().Add(-time.Minute))
	if err := s.UpdateTaskStatus("paused", "paused"); err != nil {
		t.Fatalf("pause task: %v", err)
	}

	sched.Poll(context.Background())
	if len(d.calls) != 0 {
		t.Errorf("expected no dispatches, got %v", d.calls)
	}
}

func TestOnceTaskCompletesAfterRun(t *testing.T) {
	d := &fakeDispatcher{}
	sched, s := newTestScheduler(t, d)

	// at_ms in the past so NextRun yields nil after the dispatch.
	past := time.Now().Add(-time.Second)
	saveTask(t, s, "once", `{"kind":"once","at_ms":1}`, past)

	sched.Poll(context.Background())
	if len(d.calls) != 1 {
		t.Fatalf("expected one dispatch, got %v", d.calls)
	}

	task, err := s.GetTask("once")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "completed" {
		t.Errorf("once task status = %q, want completed", task.Status)
	}

	sched.Poll(context.Background())
	if len(d.calls) != 1 {
		t.Errorf("completed task was dispatched again: %v", d.calls)
	}
}

func TestDispatchErrorRecorded(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("agent is busy")}
	sched, s := newTestScheduler(t, d)

	saveTask(t, s, "t1", `{"kind":"interval","interval_ms":60000}`, time.Now().Add(-time.Minute))
	sched.Poll(context.Background())

	task, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.LastStatus != "error" {
		t.Errorf("last status = %q, want error", task.LastStatus)
	}
	if task.LastError != "agent is busy" {
		t.Errorf("last error = %q", task.LastError)
	}
	if task.NextRunAt == nil {
		t.Error("failed interval task should still be rescheduled")
	}
}
