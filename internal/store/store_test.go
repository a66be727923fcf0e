package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &AgentRecord{Label: "worker-1", VMID: "vm-abc", Status: "starting"}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("worker-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.VMID != "vm-abc" || got.Status != "starting" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.TailOffset != 0 || got.ReadOffset != 0 {
		t.Errorf("fresh agent should have zero offsets: %+v", got)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}

	if err := s.UpdateAgentStatus("worker-1", "idle"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetAgent("worker-1")
	if got.Status != "idle" {
		t.Errorf("expected status idle, got %s", got.Status)
	}

	if err := s.DeleteAgent("worker-1"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	got, _ = s.GetAgent("worker-1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestAgentOffsetsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.SaveAgent(&AgentRecord{Label: "worker-1", VMID: "vm-abc", Status: "working"}); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	if err := s.UpdateAgentTailOffset("worker-1", 4096); err != nil {
		t.Fatalf("update tail offset: %v", err)
	}
	if err := s.UpdateAgentReadOffset("worker-1", 1024); err != nil {
		t.Fatalf("update read offset: %v", err)
	}
	s.Close()

	s, err = New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()

	got, err := s.GetAgent("worker-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TailOffset != 4096 || got.ReadOffset != 1024 {
		t.Errorf("offsets lost across reopen: %+v", got)
	}
}

func TestScheduledTasks(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(-time.Minute).UTC()
	task := &ScheduledTask{
		ID:         "task-1",
		AgentLabel: "worker-1",
		Name:       "nightly report",
		Schedule:   "0 2 * * *",
		Prompt:     "summarize the day",
		Status:     "active",
		NextRunAt:  &next,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	due, err := s.GetDueTasks(time.Now().UTC())
	if err != nil {
		t.Fatalf("get due tasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != "task-1" {
		t.Fatalf("expected task-1 due, got %+v", due)
	}

	future := time.Now().Add(time.Hour).UTC()
	if err := s.MarkTaskRun("task-1", "ok", "", &future); err != nil {
		t.Fatalf("mark task run: %v", err)
	}

	due, err = s.GetDueTasks(time.Now().UTC())
	if err != nil {
		t.Fatalf("get due tasks: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due tasks after reschedule, got %d", len(due))
	}

	got, err := s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LastStatus != "ok" || got.LastRunAt == nil {
		t.Errorf("run not recorded: %+v", got)
	}
}

func TestSecrets(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "api-key", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("api-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || string(got.Value) != string(sec.Value) || string(got.Nonce) != string(sec.Nonce) {
		t.Errorf("unexpected secret: %+v", got)
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(names) != 1 || names[0] != "api-key" {
		t.Errorf("unexpected names: %v", names)
	}

	if err := s.DeleteSecret("api-key"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecret("api-key")
	if got != nil {
		t.Error("expected nil after delete")
	}
}
