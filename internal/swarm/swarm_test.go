package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/executor"
	"github.com/hdresearch/vmswarm/internal/provider"
	"github.com/hdresearch/vmswarm/internal/store"
)

// fakeVM emulates one machine: a worker session log and an input
// fifo, with an optional injected tail disconnect.
type fakeVM struct {
	mu        sync.Mutex
	log       []byte
	fifo      []string
	dropAfter int // serve this many tail bytes, then disconnect once
	served    int
}

func (v *fakeVM) appendLog(s string) {
	v.mu.Lock()
	v.log = append(v.log, s...)
	v.mu.Unlock()
}

func (v *fakeVM) fifoLines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.fifo...)
}

// fakeRunner emulates the ssh layer against in-memory VMs. The
// built-in worker answers status queries with a ready event unless
// onStatus overrides it; prompt handling is delegated to onPrompt.
// inputDelay stalls fifo writes to widen race windows.
type fakeRunner struct {
	mu         sync.Mutex
	vms        map[string]*fakeVM
	onPrompt   func(vm *fakeVM, text string)
	onStatus   func(vm *fakeVM)
	inputDelay time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{vms: make(map[string]*fakeVM)}
}

func (f *fakeRunner) setInputDelay(d time.Duration) {
	f.mu.Lock()
	f.inputDelay = d
	f.mu.Unlock()
}

func (f *fakeRunner) vm(id string) *fakeVM {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vms[id]
	if !ok {
		v = &fakeVM{}
		f.vms[id] = v
	}
	return v
}

func (f *fakeRunner) Run(ctx context.Context, vmID, command string, _ time.Duration) (*executor.Result, error) {
	if strings.HasPrefix(command, "echo ok") {
		return &executor.Result{Stdout: "ok\n"}, nil
	}
	// bootstrap and teardown commands succeed silently
	return &executor.Result{}, nil
}

func (f *fakeRunner) RunInput(ctx context.Context, vmID, command, stdin string, _ time.Duration) (*executor.Result, error) {
	if !strings.HasPrefix(command, "cat >> ") {
		return &executor.Result{}, nil
	}
	f.mu.Lock()
	delay := f.inputDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	vm := f.vm(vmID)
	line := strings.TrimSuffix(stdin, "\n")
	vm.mu.Lock()
	vm.fifo = append(vm.fifo, line)
	vm.mu.Unlock()

	var ev struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err == nil {
		switch ev.Type {
		case "status":
			if f.onStatus != nil {
				f.onStatus(vm)
			} else {
				vm.appendLog(`{"type":"ready"}` + "\n")
			}
		case "prompt":
			if f.onPrompt != nil {
				f.onPrompt(vm, ev.Text)
			}
		}
	}
	return &executor.Result{}, nil
}

func (f *fakeRunner) Stream(ctx context.Context, vmID, command string, onData func([]byte)) error {
	var offset int
	var path string
	if _, err := fmt.Sscanf(command, "tail -c +%d -f %s", &offset, &path); err != nil {
		return fmt.Errorf("unexpected stream command %q", command)
	}
	offset-- // tail -c +N is 1-based

	vm := f.vm(vmID)
	for {
		if ctx.Err() != nil {
			return &executor.CancelledError{Command: command}
		}

		vm.mu.Lock()
		avail := len(vm.log) - offset
		if avail > 0 {
			if vm.dropAfter > 0 && vm.served+avail > vm.dropAfter {
				avail = vm.dropAfter - vm.served
			}
			chunk := append([]byte(nil), vm.log[offset:offset+avail]...)
			offset += avail
			vm.served += avail
			dropped := vm.dropAfter > 0 && vm.served >= vm.dropAfter
			if dropped {
				vm.dropAfter = 0
			}
			vm.mu.Unlock()
			if len(chunk) > 0 {
				onData(chunk)
			}
			if dropped {
				return &executor.ConnectivityError{Host: vmID, Stderr: "connection reset"}
			}
			continue
		}
		vm.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeProvider mints sequential VM ids and records deletes.
type fakeProvider struct {
	provider.Provider
	mu         sync.Mutex
	created    int
	deleted    []string
	failCreate map[int]bool // 1-based call number → fail
}

func (p *fakeProvider) Create(_ context.Context, opts provider.CreateOptions) (*provider.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	if p.failCreate[p.created] {
		return nil, &provider.Error{Status: 500, Body: "no capacity"}
	}
	return &provider.VM{ID: fmt.Sprintf("vm-%d", p.created), State: provider.StateRunning}, nil
}

func (p *fakeProvider) Delete(_ context.Context, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, vmID)
	return nil
}

func testConfig() config.SwarmConfig {
	return config.SwarmConfig{
		WorkerCommand:  "worker",
		SessionPrefix:  "vmswarm",
		RemoteDir:      ".vmswarm",
		ReadyAttempts:  20,
		ReadyInterval:  20 * time.Millisecond,
		DispatchMode:   "queue",
		MaxAgents:      8,
		CommandTimeout: 2 * time.Second,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner, *fakeProvider) {
	t.Helper()
	runner := newFakeRunner()
	prov := &fakeProvider{failCreate: make(map[int]bool)}
	m := NewManager(Deps{
		Provider: prov,
		Runner:   runner,
		Store:    newTestStore(t),
	}, testConfig())
	t.Cleanup(m.Close)
	return m, runner, prov
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestSpawnReachesIdle(t *testing.T) {
	m, _, _ := newTestManager(t)

	results := m.Spawn(context.Background(), "commit-1", 2, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusIdle {
			t.Errorf("agent %s: expected idle, got %s (%s)", r.Label, r.Status, r.Error)
		}
	}

	states := m.Status(nil)
	if len(states) != 2 {
		t.Errorf("expected 2 agents, got %d", len(states))
	}
	for _, s := range states {
		if !s.Ready {
			t.Errorf("agent %s not marked ready", s.Label)
		}
	}
}

func TestSpawnPartialFailure(t *testing.T) {
	m, _, prov := newTestManager(t)
	prov.failCreate[2] = true

	results := m.Spawn(context.Background(), "commit-1", 2, []string{"a", "b"})

	byLabel := map[string]SpawnResult{}
	for _, r := range results {
		byLabel[r.Label] = r
	}
	statuses := []Status{byLabel["a"].Status, byLabel["b"].Status}
	var idle, failed int
	for _, s := range statuses {
		switch s {
		case StatusIdle:
			idle++
		case StatusError:
			failed++
		}
	}
	if idle != 1 || failed != 1 {
		t.Fatalf("expected one idle and one error, got %+v", results)
	}
}

func TestSpawnRejectsDuplicateLabel(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Spawn(context.Background(), "commit-1", 1, []string{"dup"})
	results := m.Spawn(context.Background(), "commit-1", 1, []string{"dup"})
	if results[0].Status != StatusError || !strings.Contains(results[0].Error, "already exists") {
		t.Fatalf("duplicate label accepted: %+v", results[0])
	}
}

func TestDispatchAndCompletion(t *testing.T) {
	m, runner, _ := newTestManager(t)
	runner.onPrompt = func(vm *fakeVM, text string) {
		vm.appendLog("working on: " + text + "\n")
		vm.appendLog(`{"type":"result","content":"all done"}` + "\n")
	}

	m.Spawn(context.Background(), "commit-1", 1, []string{"w1"})
	if err := m.Dispatch(context.Background(), "w1", "build the thing"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	results, timedOut := m.Wait(context.Background(), []string{"w1"}, 2*time.Second)
	if timedOut {
		t.Fatal("wait timed out")
	}
	if len(results) != 1 || results[0].Status != StatusIdle {
		t.Fatalf("unexpected wait results: %+v", results)
	}
	if !strings.Contains(results[0].Output, "working on: build the thing") {
		t.Errorf("output missing task trace: %q", results[0].Output)
	}
}

func TestDispatchQueuesWhileWorking(t *testing.T) {
	m, runner, _ := newTestManager(t)
	// Worker stays silent; the test finishes tasks by hand.
	runner.onPrompt = func(vm *fakeVM, text string) {
		vm.appendLog("started: " + text + "\n")
	}

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	agent, _ := m.get("w1")
	vm := runner.vm(agent.VMID)

	if err := m.Dispatch(ctx, "w1", "first"); err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	if err := m.Dispatch(ctx, "w1", "second"); err != nil {
		t.Fatalf("dispatch second should queue, got %v", err)
	}

	// Only the first prompt reached the fifo so far.
	countPrompts := func() int {
		n := 0
		for _, line := range vm.fifoLines() {
			if strings.Contains(line, `"prompt"`) {
				n++
			}
		}
		return n
	}
	if countPrompts() != 1 {
		t.Fatalf("expected 1 delivered prompt, got %d", countPrompts())
	}

	vm.appendLog(`{"type":"result"}` + "\n")
	waitFor(t, 2*time.Second, func() bool { return countPrompts() == 2 }, "queued prompt delivered")
	waitFor(t, 2*time.Second, func() bool { return agent.Status() == StatusWorking }, "agent working on queued prompt")
}

func TestDispatchRejectMode(t *testing.T) {
	runner := newFakeRunner()
	prov := &fakeProvider{failCreate: make(map[int]bool)}
	cfg := testConfig()
	cfg.DispatchMode = "reject"
	m := NewManager(Deps{Provider: prov, Runner: runner, Store: newTestStore(t)}, cfg)
	t.Cleanup(m.Close)

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	if err := m.Dispatch(ctx, "w1", "first"); err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	err := m.Dispatch(ctx, "w1", "second")
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected busy rejection, got %v", err)
	}
}

func TestDispatchUnknownAgent(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Dispatch(context.Background(), "ghost", "hello")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestWaitTimeoutIncludesPartialOutput(t *testing.T) {
	m, runner, _ := newTestManager(t)
	runner.onPrompt = func(vm *fakeVM, text string) {
		vm.appendLog("partial progress\n")
		// never emits a result
	}

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	if err := m.Dispatch(ctx, "w1", "never ending"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	agent, _ := m.get("w1")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(agent.Output(), "partial progress")
	}, "partial output tailed")

	results, timedOut := m.Wait(ctx, []string{"w1"}, 300*time.Millisecond)
	if !timedOut {
		t.Fatal("expected wait to time out")
	}
	if len(results) != 1 || results[0].Status != StatusWorking {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !strings.Contains(results[0].Output, "partial progress") {
		t.Errorf("timed-out wait missing partial output: %q", results[0].Output)
	}
}

func TestTailReconnectNoDuplicateNoLoss(t *testing.T) {
	m, runner, _ := newTestManager(t)

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	agent, _ := m.get("w1")
	vm := runner.vm(agent.VMID)

	base := agent.Output()

	// Everything already served counts toward the drop point; cut
	// the connection mid-way through the upcoming lines.
	vm.mu.Lock()
	vm.dropAfter = vm.served + 30
	vm.mu.Unlock()

	var want strings.Builder
	for i := 1; i <= 10; i++ {
		line := fmt.Sprintf("line %02d\n", i)
		want.WriteString(line)
		vm.appendLog(line)
	}

	waitFor(t, 3*time.Second, func() bool {
		return agent.Output() == base+want.String()
	}, "output complete after reconnect")
}

func TestReadReturnsOnlyNewOutput(t *testing.T) {
	m, runner, _ := newTestManager(t)

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	agent, _ := m.get("w1")
	vm := runner.vm(agent.VMID)

	vm.appendLog("alpha\n")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(agent.Output(), "alpha")
	}, "first chunk tailed")

	first, err := m.Read("w1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(first, "alpha") {
		t.Errorf("first read missing output: %q", first)
	}

	vm.appendLog("beta\n")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(agent.Output(), "beta")
	}, "second chunk tailed")

	second, err := m.Read("w1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(second, "alpha") {
		t.Errorf("second read replayed old output: %q", second)
	}
	if !strings.Contains(second, "beta") {
		t.Errorf("second read missing new output: %q", second)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	m, _, prov := newTestManager(t)

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 2, []string{"a", "b"})

	first := m.Teardown(ctx, []string{"a", "b"})
	for _, r := range first {
		if r.Skipped || r.Error != "" {
			t.Errorf("first teardown of %s unexpected: %+v", r.Label, r)
		}
	}

	second := m.Teardown(ctx, []string{"a", "b"})
	for _, r := range second {
		if !r.Skipped {
			t.Errorf("second teardown of %s should be a no-op: %+v", r.Label, r)
		}
	}

	prov.mu.Lock()
	deleted := len(prov.deleted)
	prov.mu.Unlock()
	if deleted != 2 {
		t.Errorf("expected 2 vm deletes, got %d", deleted)
	}
}

func TestResumeContinuesFromPersistedOffset(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	prov := &fakeProvider{failCreate: make(map[int]bool)}

	m1 := NewManager(Deps{Provider: prov, Runner: runner, Store: st}, testConfig())
	ctx := context.Background()
	m1.Spawn(ctx, "commit-1", 1, []string{"w1"})
	agent1, _ := m1.get("w1")
	vm := runner.vm(agent1.VMID)

	vm.appendLog("before restart\n")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(agent1.Output(), "before restart")
	}, "pre-restart output tailed")
	m1.Close()

	m2 := NewManager(Deps{Provider: prov, Runner: runner, Store: st}, testConfig())
	t.Cleanup(m2.Close)
	if err := m2.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	agent2, ok := m2.get("w1")
	if !ok {
		t.Fatal("agent not resumed")
	}
	if agent2.Status() != StatusIdle {
		t.Errorf("expected resumed status idle, got %s", agent2.Status())
	}

	vm.appendLog("after restart\n")
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(agent2.Output(), "after restart")
	}, "post-restart output tailed")

	// Only content produced after the resume point is re-read.
	if strings.Contains(agent2.Output(), "before restart") {
		t.Errorf("resumed tail replayed already-consumed log: %q", agent2.Output())
	}
}

func TestConcurrentDispatchDeliversExactlyOne(t *testing.T) {
	m, runner, _ := newTestManager(t)
	runner.onPrompt = func(vm *fakeVM, text string) {}

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})
	agent, _ := m.get("w1")
	vm := runner.vm(agent.VMID)

	// Slow fifo writes widen the window between the status check and
	// the delivery.
	runner.setInputDelay(100 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, prompt := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			errs[i] = m.Dispatch(ctx, "w1", prompt)
		}(i, prompt)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	countPrompts := func() int {
		n := 0
		for _, line := range vm.fifoLines() {
			if strings.Contains(line, `"prompt"`) {
				n++
			}
		}
		return n
	}
	if got := countPrompts(); got != 1 {
		t.Fatalf("expected 1 delivered prompt (other queued), got %d delivered while agent was working", got)
	}
	if agent.Status() != StatusWorking {
		t.Errorf("expected agent working, got %s", agent.Status())
	}

	// The queued prompt goes out once the first task finishes.
	runner.setInputDelay(0)
	vm.appendLog(`{"type":"result"}` + "\n")
	waitFor(t, 2*time.Second, func() bool { return countPrompts() == 2 }, "queued prompt delivered after result")
}

func TestWaitAndStatusReportUnknownAgents(t *testing.T) {
	m, _, _ := newTestManager(t)

	ctx := context.Background()
	m.Spawn(ctx, "commit-1", 1, []string{"w1"})

	results, timedOut := m.Wait(ctx, []string{"w1", "ghost"}, time.Second)
	if timedOut {
		t.Fatal("wait timed out")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results covering every target, got %d: %+v", len(results), results)
	}
	byLabel := map[string]WaitResult{}
	for _, r := range results {
		byLabel[r.Label] = r
	}
	if byLabel["w1"].NotFound || byLabel["w1"].Status != StatusIdle {
		t.Errorf("known agent misreported: %+v", byLabel["w1"])
	}
	if !byLabel["ghost"].NotFound {
		t.Errorf("unknown agent not flagged: %+v", byLabel["ghost"])
	}

	states := m.Status([]string{"ghost"})
	if len(states) != 1 || !states[0].NotFound || states[0].Label != "ghost" {
		t.Fatalf("status missing not-found entry: %+v", states)
	}
}

func TestResumeSettlesStartingAgent(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	prov := &fakeProvider{failCreate: make(map[int]bool)}

	// A record left behind by a process that died mid-spawn; the
	// worker session on the VM did come up.
	if err := st.SaveAgent(&store.AgentRecord{Label: "w1", VMID: "vm-1", Status: string(StatusStarting)}); err != nil {
		t.Fatalf("seed agent record: %v", err)
	}

	m := NewManager(Deps{Provider: prov, Runner: runner, Store: st}, testConfig())
	t.Cleanup(m.Close)
	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	agent, ok := m.get("w1")
	if !ok {
		t.Fatal("agent not resumed")
	}
	if agent.Status() != StatusIdle {
		t.Fatalf("expected re-probed agent idle, got %s", agent.Status())
	}
}

func TestResumeMarksUnreadyStartingAgentError(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	runner.onStatus = func(vm *fakeVM) {} // worker never answers
	prov := &fakeProvider{failCreate: make(map[int]bool)}

	if err := st.SaveAgent(&store.AgentRecord{Label: "w1", VMID: "vm-1", Status: string(StatusStarting)}); err != nil {
		t.Fatalf("seed agent record: %v", err)
	}

	cfg := testConfig()
	cfg.ReadyAttempts = 2
	cfg.ReadyInterval = 10 * time.Millisecond
	m := NewManager(Deps{Provider: prov, Runner: runner, Store: st}, cfg)
	t.Cleanup(m.Close)
	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	agent, ok := m.get("w1")
	if !ok {
		t.Fatal("agent not resumed")
	}
	if agent.Status() != StatusError {
		t.Fatalf("expected unresponsive agent marked error, got %s", agent.Status())
	}
	if snap := agent.snapshot(); !strings.Contains(snap.Error, "resume readiness") {
		t.Errorf("error missing readiness context: %q", snap.Error)
	}
}
