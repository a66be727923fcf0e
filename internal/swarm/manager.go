// Package swarm manages a fleet of named worker agents, one per VM:
// spawning durable worker sessions, dispatching prompts, tailing
// output across reconnects, and tearing the fleet down.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/executor"
	"github.com/hdresearch/vmswarm/internal/natsbus"
	"github.com/hdresearch/vmswarm/internal/provider"
	"github.com/hdresearch/vmswarm/internal/retry"
	"github.com/hdresearch/vmswarm/internal/session"
	"github.com/hdresearch/vmswarm/internal/store"
)

var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// NotFoundError means an operation named an agent the manager does
// not own.
type NotFoundError struct {
	Label string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Label)
}

// EventPublisher receives lifecycle events. Satisfied by
// natsbus.Client; nil disables events.
type EventPublisher interface {
	PublishEvent(ev natsbus.Event, topics ...string) error
}

// SecretSource supplies decrypted environment variables injected
// into worker processes at spawn time.
type SecretSource interface {
	EnvVars() (map[string]string, error)
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Provider  provider.Provider
	Connector *session.Connector
	Runner    executor.Runner
	Store     *store.Store
	Events    EventPublisher
	Secrets   SecretSource
}

type Manager struct {
	prov    provider.Provider
	conn    *session.Connector
	runner  executor.Runner
	store   *store.Store
	events  EventPublisher
	secrets SecretSource
	cfg     config.SwarmConfig

	mu     sync.RWMutex
	agents map[string]*Agent
	tails  map[string]context.CancelFunc
}

func NewManager(deps Deps, cfg config.SwarmConfig) *Manager {
	return &Manager{
		prov:    deps.Provider,
		conn:    deps.Connector,
		runner:  deps.Runner,
		store:   deps.Store,
		events:  deps.Events,
		secrets: deps.Secrets,
		cfg:     cfg,
		agents:  make(map[string]*Agent),
		tails:   make(map[string]context.CancelFunc),
	}
}

func (m *Manager) sessionDir(label string) string {
	return fmt.Sprintf("$HOME/%s/%s", m.cfg.RemoteDir, label)
}

func (m *Manager) logPath(label string) string {
	return m.sessionDir(label) + "/agent.log"
}

func (m *Manager) fifoPath(label string) string {
	return m.sessionDir(label) + "/in.fifo"
}

func (m *Manager) sessionName(label string) string {
	return m.cfg.SessionPrefix + "-" + label
}

func (m *Manager) get(label string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[label]
	return a, ok
}

// Spawn creates count agents from a committed image, or one per
// explicit label. Each agent spawns independently; a failure marks
// that agent error without touching its siblings.
func (m *Manager) Spawn(ctx context.Context, commitID string, count int, labels []string) []SpawnResult {
	labels = m.resolveLabels(count, labels)

	results := make([]SpawnResult, len(labels))
	var wg sync.WaitGroup
	for i, label := range labels {
		wg.Add(1)
		go func(i int, label string) {
			defer wg.Done()
			results[i] = m.spawnOne(ctx, commitID, label)
		}(i, label)
	}
	wg.Wait()
	return results
}

func (m *Manager) resolveLabels(count int, labels []string) []string {
	if len(labels) > 0 {
		return labels
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, count)
	n := 1
	for len(out) < count {
		label := fmt.Sprintf("worker-%d", n)
		n++
		if _, taken := m.agents[label]; taken {
			continue
		}
		out = append(out, label)
	}
	return out
}

func (m *Manager) spawnOne(ctx context.Context, commitID, label string) SpawnResult {
	if !labelPattern.MatchString(label) {
		return SpawnResult{Label: label, Status: StatusError, Error: fmt.Sprintf("invalid label %q", label)}
	}

	m.mu.Lock()
	if _, exists := m.agents[label]; exists {
		m.mu.Unlock()
		return SpawnResult{Label: label, Status: StatusError, Error: fmt.Sprintf("agent %q already exists", label)}
	}
	if m.cfg.MaxAgents > 0 && len(m.agents) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return SpawnResult{Label: label, Status: StatusError, Error: fmt.Sprintf("max agents (%d) reached", m.cfg.MaxAgents)}
	}
	agent := newAgent(label, "")
	m.agents[label] = agent
	m.mu.Unlock()

	fail := func(stage string, err error) SpawnResult {
		msg := fmt.Sprintf("%s: %v", stage, err)
		agent.setError(msg)
		m.saveAgent(agent)
		m.publishEvent(label, "agent_error", map[string]any{"error": msg})
		slog.Error("agent spawn failed", "agent", label, "stage", stage, "error", err)
		return SpawnResult{Label: label, VMID: agent.VMID, Status: StatusError, Error: msg}
	}

	vm, err := m.prov.Create(ctx, provider.CreateOptions{CommitID: commitID, WaitForBoot: true})
	if err != nil {
		return fail("create vm", err)
	}
	agent.VMID = vm.ID
	m.saveAgent(agent)
	m.publishEvent(label, "agent_spawning", map[string]any{"vm": vm.ID})

	if err := m.probe(ctx, vm.ID); err != nil {
		return fail("reachability probe", err)
	}

	if err := m.bootstrap(ctx, agent); err != nil {
		return fail("bootstrap session", err)
	}

	m.startTail(agent)

	if err := m.confirmReady(ctx, agent); err != nil {
		return fail("readiness check", err)
	}

	agent.setStatus(StatusIdle)
	m.saveAgent(agent)
	m.publishEvent(label, "agent_ready", map[string]any{"vm": vm.ID})
	slog.Info("agent spawned", "agent", label, "vm", vm.ID)
	return SpawnResult{Label: label, VMID: vm.ID, Status: StatusIdle}
}

type notReadyError struct{ detail string }

func (e *notReadyError) Error() string   { return "target not ready: " + e.detail }
func (e *notReadyError) Retryable() bool { return true }

// probe waits for the VM to answer a trivial round trip, with
// bounded retries at a fixed interval.
func (m *Manager) probe(ctx context.Context, vmID string) error {
	policy := retry.Policy{MaxAttempts: m.cfg.ReadyAttempts, Interval: m.cfg.ReadyInterval}
	return policy.Do(ctx, func() error {
		res, err := m.runner.Run(ctx, vmID, "echo ok", m.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &notReadyError{detail: fmt.Sprintf("probe exited %d", res.ExitCode)}
		}
		return nil
	})
}

// bootstrap starts the durable worker session: a detached tmux
// session running the worker with its stdin held open by a fifo, and
// its output appended to a log that survives disconnects.
func (m *Manager) bootstrap(ctx context.Context, a *Agent) error {
	dir := m.sessionDir(a.Label)
	fifo := m.fifoPath(a.Label)
	logp := m.logPath(a.Label)

	worker := m.cfg.WorkerCommand
	env, err := m.secretEnv()
	if err != nil {
		return err
	}
	if env != "" {
		worker = "env " + env + " " + worker
	}

	cmd := fmt.Sprintf(
		"mkdir -p %[1]s && { [ -p %[2]s ] || mkfifo %[2]s; } && touch %[3]s && "+
			"tmux new-session -d -A -s %[4]s %[5]s",
		dir, fifo, logp, m.sessionName(a.Label),
		shellQuote(fmt.Sprintf("tail -f %s | %s >> %s 2>&1", fifo, worker, logp)),
	)

	res, err := m.runner.Run(ctx, a.VMID, cmd, m.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (m *Manager) secretEnv() (string, error) {
	if m.secrets == nil {
		return "", nil
	}
	vars, err := m.secrets.EnvVars()
	if err != nil {
		return "", fmt.Errorf("resolve secrets: %w", err)
	}
	out := ""
	for k, v := range vars {
		if out != "" {
			out += " "
		}
		out += k + "=" + shellQuote(v)
	}
	return out, nil
}

// confirmReady sends a status query down the input channel and waits
// for the worker's structured ready response to show up in the log.
func (m *Manager) confirmReady(ctx context.Context, a *Agent) error {
	if err := m.sendLine(ctx, a, `{"type":"status"}`); err != nil {
		return err
	}

	deadline := time.After(time.Duration(m.cfg.ReadyAttempts) * m.cfg.ReadyInterval)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("worker did not report ready")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.mu.Lock()
			ready := a.ready
			a.mu.Unlock()
			if ready {
				return nil
			}
		}
	}
}

// sendLine appends one line to the agent's input fifo. The payload
// travels on stdin, never inside the command line, so prompt content
// cannot break out of the shell.
func (m *Manager) sendLine(ctx context.Context, a *Agent, line string) error {
	cmd := "cat >> " + m.fifoPath(a.Label)
	res, err := m.runner.RunInput(ctx, a.VMID, cmd, line+"\n", m.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &executor.RemoteExecError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// Dispatch submits a prompt to an agent. If the agent is working,
// the prompt is queued for delivery after the current task or
// rejected, depending on the configured mode; it is never silently
// dropped or interleaved.
func (m *Manager) Dispatch(ctx context.Context, label, prompt string) error {
	agent, ok := m.get(label)
	if !ok {
		return &NotFoundError{Label: label}
	}

	agent.mu.Lock()
	switch agent.status {
	case StatusError, StatusDone:
		status := agent.status
		agent.mu.Unlock()
		return fmt.Errorf("agent %q is %s and cannot accept work", label, status)
	case StatusWorking, StatusStarting:
		if m.cfg.DispatchMode == "reject" {
			agent.mu.Unlock()
			return fmt.Errorf("agent %q is busy and dispatch mode is reject", label)
		}
		agent.queue.enqueue(prompt)
		queued := agent.queue.len()
		agent.mu.Unlock()
		m.publishEvent(label, "prompt_queued", map[string]any{"depth": queued})
		return nil
	}
	// Reserve the agent before releasing the lock, so a concurrent
	// dispatch observes working and queues instead of delivering a
	// second prompt into in-flight work.
	agent.status = StatusWorking
	agent.mu.Unlock()

	if err := m.deliver(ctx, agent, prompt); err != nil {
		m.release(agent)
		return err
	}
	return nil
}

// deliver writes one prompt into the fifo of an agent already
// reserved as working.
func (m *Manager) deliver(ctx context.Context, a *Agent, prompt string) error {
	payload, err := json.Marshal(map[string]string{"type": "prompt", "text": prompt})
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if err := m.sendLine(ctx, a, string(payload)); err != nil {
		return fmt.Errorf("dispatch to %s: %w", a.Label, err)
	}

	m.saveAgent(a)
	m.publishEvent(a.Label, "prompt_dispatched", nil)
	return nil
}

// release undoes a reservation whose delivery failed. The agent goes
// back to idle unless another prompt queued up behind it; that one
// goes out next rather than waiting for a task that never started.
func (m *Manager) release(a *Agent) {
	a.mu.Lock()
	next, queued := a.queue.dequeue()
	if !queued {
		a.status = StatusIdle
	}
	a.mu.Unlock()
	m.saveAgent(a)
	if queued {
		go m.deliverQueued(a, next)
	}
}

// deliverQueued sends a prompt dequeued while the agent stayed
// reserved as working.
func (m *Manager) deliverQueued(a *Agent, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	if err := m.deliver(ctx, a, prompt); err != nil {
		slog.Error("queued prompt delivery failed", "agent", a.Label, "error", err)
		a.setError(fmt.Sprintf("queued dispatch: %v", err))
		m.saveAgent(a)
	}
}

// Wait blocks until every targeted agent settles (idle, done, or
// error) or the timeout passes. The result always covers every
// target; timing out is a normal outcome flagged on the return.
func (m *Manager) Wait(ctx context.Context, labels []string, timeout time.Duration) ([]WaitResult, bool) {
	targets, missing := m.resolveTargets(labels)

	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	timedOut := false
loop:
	for {
		settled := true
		for _, a := range targets {
			if !a.Status().settled() {
				settled = false
				break
			}
		}
		if settled {
			break
		}

		select {
		case <-deadline:
			timedOut = true
			break loop
		case <-ctx.Done():
			timedOut = true
			break loop
		case <-ticker.C:
		}
	}

	results := make([]WaitResult, 0, len(targets)+len(missing))
	for _, a := range targets {
		snap := a.snapshot()
		results = append(results, WaitResult{
			Label:  a.Label,
			Status: snap.Status,
			Output: a.Output(),
			Error:  snap.Error,
		})
	}
	for _, label := range missing {
		results = append(results, WaitResult{Label: label, NotFound: true})
	}
	return results, timedOut
}

// resolveTargets maps labels to agents. Unknown labels come back in
// the second slice so callers can report them instead of silently
// shrinking the result set.
func (m *Manager) resolveTargets(labels []string) ([]*Agent, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(labels) == 0 {
		out := make([]*Agent, 0, len(m.agents))
		for _, a := range m.agents {
			out = append(out, a)
		}
		return out, nil
	}
	out := make([]*Agent, 0, len(labels))
	var missing []string
	for _, label := range labels {
		if a, ok := m.agents[label]; ok {
			out = append(out, a)
		} else {
			missing = append(missing, label)
		}
	}
	return out, missing
}

// Status snapshots the targeted agents, or all of them. Unknown
// labels get a not-found entry.
func (m *Manager) Status(labels []string) []AgentState {
	targets, missing := m.resolveTargets(labels)
	out := make([]AgentState, 0, len(targets)+len(missing))
	for _, a := range targets {
		out = append(out, a.snapshot())
	}
	for _, label := range missing {
		out = append(out, AgentState{Label: label, NotFound: true})
	}
	return out
}

// Read returns the output accumulated since the previous Read for
// this agent. The read offset is persisted so a restarted manager
// does not replay output a caller already saw.
func (m *Manager) Read(label string) (string, error) {
	agent, ok := m.get(label)
	if !ok {
		return "", &NotFoundError{Label: label}
	}

	agent.mu.Lock()
	full := agent.output.String()
	start := agent.readOffset
	if start > int64(len(full)) {
		start = int64(len(full))
	}
	out := full[start:]
	agent.readOffset = int64(len(full))
	agent.mu.Unlock()

	if err := m.store.UpdateAgentReadOffset(label, int64(len(full))); err != nil {
		slog.Warn("persist read offset failed", "agent", label, "error", err)
	}
	return out, nil
}

// Teardown terminates workers and deletes their VMs, best effort per
// agent. Unknown or already-removed agents are no-ops.
func (m *Manager) Teardown(ctx context.Context, labels []string) []TeardownResult {
	targets := labels
	if len(targets) == 0 {
		m.mu.RLock()
		for label := range m.agents {
			targets = append(targets, label)
		}
		m.mu.RUnlock()
	}

	results := make([]TeardownResult, 0, len(targets))
	for _, label := range targets {
		results = append(results, m.teardownOne(ctx, label))
	}
	return results
}

func (m *Manager) teardownOne(ctx context.Context, label string) TeardownResult {
	m.mu.Lock()
	agent, ok := m.agents[label]
	if !ok {
		m.mu.Unlock()
		return TeardownResult{Label: label, Skipped: true}
	}
	delete(m.agents, label)
	if cancel, ok := m.tails[label]; ok {
		cancel()
		delete(m.tails, label)
	}
	m.mu.Unlock()

	result := TeardownResult{Label: label}

	// Best effort: the VM may already be gone.
	kill := "tmux kill-session -t " + m.sessionName(label)
	if _, err := m.runner.Run(ctx, agent.VMID, kill, m.cfg.CommandTimeout); err != nil {
		slog.Debug("session kill failed", "agent", label, "error", err)
	}

	if err := m.prov.Delete(ctx, agent.VMID); err != nil {
		result.Error = fmt.Sprintf("delete vm: %v", err)
		slog.Warn("vm delete failed during teardown", "agent", label, "vm", agent.VMID, "error", err)
	}
	if m.conn != nil {
		m.conn.Invalidate(agent.VMID)
	}
	if err := m.store.DeleteAgent(label); err != nil {
		slog.Warn("delete agent record failed", "agent", label, "error", err)
	}

	m.publishEvent(label, "agent_torn_down", map[string]any{"vm": agent.VMID})
	slog.Info("agent torn down", "agent", label, "vm", agent.VMID)
	return result
}

// Resume re-attaches to agents persisted by a previous process. The
// workers kept running on their VMs; tailing restarts from the
// persisted log offsets, so nothing is replayed or lost across the
// manager restart.
func (m *Manager) Resume(ctx context.Context) error {
	records, err := m.store.ListAgents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	for _, rec := range records {
		agent := newAgent(rec.Label, rec.VMID)
		agent.status = Status(rec.Status)
		agent.tailOffset = rec.TailOffset
		agent.readOffset = 0 // output buffer restarts empty
		if agent.status == StatusIdle || agent.status == StatusWorking {
			agent.ready = true
		}

		m.mu.Lock()
		m.agents[rec.Label] = agent
		m.mu.Unlock()

		if agent.status != StatusDone && agent.status != StatusError {
			m.startTail(agent)
		}

		// A record still starting means the previous process died
		// mid-spawn. Re-run the readiness check so the agent settles
		// one way or the other instead of pinning Wait forever.
		if agent.status == StatusStarting {
			if err := m.confirmReady(ctx, agent); err != nil {
				agent.setError(fmt.Sprintf("resume readiness: %v", err))
			} else {
				agent.setStatus(StatusIdle)
			}
			m.saveAgent(agent)
		}
		slog.Info("agent resumed", "agent", rec.Label, "vm", rec.VMID, "status", string(agent.Status()), "offset", rec.TailOffset)
	}
	return nil
}

// Close stops all tailing connections without touching the agents'
// VMs; their state lives on the machines and in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for label, cancel := range m.tails {
		cancel()
		delete(m.tails, label)
	}
}

func (m *Manager) saveAgent(a *Agent) {
	a.mu.Lock()
	rec := &store.AgentRecord{
		Label:      a.Label,
		VMID:       a.VMID,
		Status:     string(a.status),
		TailOffset: a.tailOffset,
		ReadOffset: a.readOffset,
	}
	a.mu.Unlock()

	if err := m.store.SaveAgent(rec); err != nil {
		slog.Warn("persist agent failed", "agent", a.Label, "error", err)
	}
}

func (m *Manager) publishEvent(label, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	ev := natsbus.Event{Type: eventType, Agent: label, Data: data}
	_ = m.events.PublishEvent(ev, natsbus.TopicAgentEvents(label), natsbus.TopicEventsSwarm)
}

// shellQuote wraps s in single quotes with embedded quotes escaped.
func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out + "'"
}
