package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// workerEvent is one NDJSON line emitted by the worker process into
// its log. Lines that do not parse are plain output and carry no
// state transition.
type workerEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m *Manager) startTail(a *Agent) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.tails[a.Label] = cancel
	m.mu.Unlock()
	go m.tailLoop(ctx, a)
}

// tailLoop keeps a streaming read open against the agent's log,
// resuming from the last consumed byte after every disconnect. The
// log on the VM is the source of truth; this loop only mirrors it,
// so reconnecting at the right offset neither drops nor replays
// output.
func (m *Manager) tailLoop(ctx context.Context, a *Agent) {
	interval := m.cfg.ReadyInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		offset := a.tailOffset
		a.mu.Unlock()

		cmd := fmt.Sprintf("tail -c +%d -f %s", offset+1, m.logPath(a.Label))
		err := m.runner.Stream(ctx, a.VMID, cmd, func(chunk []byte) {
			m.consume(a, chunk)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("tail dropped, reconnecting", "agent", a.Label, "error", err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume advances the tail offset, accumulates output, and carves
// out complete lines for event handling. The offset is persisted per
// chunk so a restarted manager resumes exactly where this one
// stopped.
func (m *Manager) consume(a *Agent, chunk []byte) {
	a.mu.Lock()
	a.tailOffset += int64(len(chunk))
	offset := a.tailOffset
	a.output.Write(chunk)
	a.partial.Write(chunk)

	var lines []string
	for {
		s := a.partial.String()
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, s[:i])
		rest := s[i+1:]
		a.partial.Reset()
		a.partial.WriteString(rest)
	}
	a.mu.Unlock()

	if err := m.store.UpdateAgentTailOffset(a.Label, offset); err != nil {
		slog.Warn("persist tail offset failed", "agent", a.Label, "error", err)
	}

	for _, line := range lines {
		m.handleLine(a, line)
	}
}

func (m *Manager) handleLine(a *Agent, line string) {
	var ev workerEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return
	}

	switch ev.Type {
	case "ready":
		a.mu.Lock()
		a.ready = true
		a.mu.Unlock()

	case "result", "idle":
		// Dequeue under the same lock as the status transition; the
		// agent stays working when a prompt is queued, so a dispatch
		// racing this handler cannot slip its own prompt in between.
		a.mu.Lock()
		if a.status != StatusWorking {
			a.mu.Unlock()
			return
		}
		next, queued := a.queue.dequeue()
		if !queued {
			a.status = StatusIdle
		}
		a.mu.Unlock()
		m.saveAgent(a)
		m.publishEvent(a.Label, "task_completed", map[string]any{"content": truncate(ev.Content, 200)})
		if queued {
			go m.deliverQueued(a, next)
		}

	case "exit":
		a.setStatus(StatusDone)
		m.saveAgent(a)
		m.publishEvent(a.Label, "agent_done", nil)

	case "error":
		msg := ev.Error
		if msg == "" {
			msg = ev.Content
		}
		a.setError(msg)
		m.saveAgent(a)
		m.publishEvent(a.Label, "agent_error", map[string]any{"error": msg})
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
