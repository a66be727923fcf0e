package swarm

import (
	"strings"
	"sync"
)

// Status is the lifecycle state of one agent.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusDone     Status = "done"
	StatusError    Status = "error"
)

// settled reports whether the state is one Wait unblocks on.
func (s Status) settled() bool {
	return s == StatusIdle || s == StatusDone || s == StatusError
}

// Agent is one managed worker: a label, the VM it runs on, and the
// output accumulated from its durable log. All mutable fields are
// guarded by mu; the manager is the only writer.
type Agent struct {
	Label string
	VMID  string

	mu         sync.Mutex
	status     Status
	ready      bool
	lastErr    string
	output     strings.Builder
	partial    strings.Builder // bytes of an incomplete log line
	tailOffset int64           // bytes of the remote log consumed
	readOffset int64           // bytes of output delivered to Read
	queue      *promptQueue
}

func newAgent(label, vmID string) *Agent {
	return &Agent{
		Label:  label,
		VMID:   vmID,
		status: StatusStarting,
		queue:  newPromptQueue(),
	}
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) setError(msg string) {
	a.mu.Lock()
	a.status = StatusError
	a.lastErr = msg
	a.mu.Unlock()
}

// Output returns the full accumulated output.
func (a *Agent) Output() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output.String()
}

// AgentState is a point-in-time snapshot reported to callers.
// NotFound marks an entry for a label no agent carries.
type AgentState struct {
	Label    string `json:"label"`
	VMID     string `json:"vm_id"`
	Status   Status `json:"status"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

func (a *Agent) snapshot() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentState{
		Label:  a.Label,
		VMID:   a.VMID,
		Status: a.status,
		Ready:  a.ready,
		Error:  a.lastErr,
	}
}

// SpawnResult reports the outcome of one agent's spawn; failures are
// per agent and never abort siblings.
type SpawnResult struct {
	Label  string `json:"label"`
	VMID   string `json:"vm_id,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WaitResult is one agent's entry in a Wait response. The result set
// covers every targeted label; unknown ones are flagged NotFound.
type WaitResult struct {
	Label    string `json:"label"`
	Status   Status `json:"status"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

// TeardownResult reports one agent's teardown outcome. Skipped means
// the agent was already gone, which is a no-op rather than a failure.
type TeardownResult struct {
	Label   string `json:"label"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// promptQueue holds prompts submitted while the agent is working, so
// they are delivered in order after the current task instead of
// interleaving with it.
type promptQueue struct {
	mu      sync.Mutex
	pending []string
}

func newPromptQueue() *promptQueue {
	return &promptQueue{}
}

func (q *promptQueue) enqueue(prompt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, prompt)
}

func (q *promptQueue) dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	p := q.pending[0]
	q.pending = q.pending[1:]
	return p, true
}

func (q *promptQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
