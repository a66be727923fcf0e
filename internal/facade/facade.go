// Package facade routes the generic run/read/write/edit operations
// to either the local machine or the currently selected VM. Callers
// cannot tell which path served them; that is the point.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hdresearch/vmswarm/internal/bridge"
	"github.com/hdresearch/vmswarm/internal/executor"
)

// PolicyRecord is the small file external policy gates read to know
// whether generic operations are being routed to a VM. Written on
// every select and clear.
type PolicyRecord struct {
	ActiveVMID string    `json:"activeVmId"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Facade struct {
	remote       executor.Runner
	local        executor.Runner
	remoteBridge *bridge.Bridge
	localBridge  *bridge.Bridge
	policyPath   string
	timeout      time.Duration

	mu     sync.Mutex
	active string
}

func New(remote executor.Runner, maxReadBytes int, timeout time.Duration, policyPath string) *Facade {
	local := LocalRunner{}
	return &Facade{
		remote:       remote,
		local:        local,
		remoteBridge: bridge.New(remote, maxReadBytes, timeout),
		localBridge:  bridge.New(local, maxReadBytes, timeout),
		policyPath:   policyPath,
		timeout:      timeout,
	}
}

// SelectTarget routes subsequent operations to the VM, but only
// after a round-trip probe proves it reachable. A failed probe
// leaves the previous selection in place.
func (f *Facade) SelectTarget(ctx context.Context, vmID string) error {
	res, err := f.remote.Run(ctx, vmID, "echo ok", f.timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "ok" {
		return &executor.ConnectivityError{Host: vmID, Stderr: fmt.Sprintf("probe exited %d", res.ExitCode)}
	}

	f.mu.Lock()
	f.active = vmID
	f.mu.Unlock()

	f.writePolicy(vmID)
	slog.Info("active target selected", "vm", vmID)
	return nil
}

// ClearTarget unconditionally reverts to local operation.
func (f *Facade) ClearTarget() {
	f.mu.Lock()
	f.active = ""
	f.mu.Unlock()

	f.writePolicy("")
	slog.Info("active target cleared")
}

// ActiveTarget returns the selected VM id, or empty for local.
func (f *Facade) ActiveTarget() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Facade) route() (executor.Runner, *bridge.Bridge, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != "" {
		return f.remote, f.remoteBridge, f.active
	}
	return f.local, f.localBridge, ""
}

// Run executes a command on the active target, or locally when none
// is selected.
func (f *Facade) Run(ctx context.Context, command string, timeout time.Duration) (*executor.Result, error) {
	if timeout <= 0 {
		timeout = f.timeout
	}
	runner, _, vmID := f.route()
	return runner.Run(ctx, vmID, command, timeout)
}

// ReadFile reads a line slice of a file on the active target.
func (f *Facade) ReadFile(ctx context.Context, path string, offset, limit int) (string, error) {
	_, b, vmID := f.route()
	return b.Read(ctx, vmID, path, offset, limit)
}

// WriteFile replaces a file on the active target.
func (f *Facade) WriteFile(ctx context.Context, path, content string) error {
	_, b, vmID := f.route()
	return b.Write(ctx, vmID, path, content)
}

// EditFile replaces one exact occurrence in a file on the active
// target.
func (f *Facade) EditFile(ctx context.Context, path, oldText, newText string) error {
	_, b, vmID := f.route()
	return b.Edit(ctx, vmID, path, oldText, newText)
}

func (f *Facade) writePolicy(vmID string) {
	if f.policyPath == "" {
		return
	}
	rec := PolicyRecord{ActiveVMID: vmID, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.policyPath), 0o755); err != nil {
		slog.Warn("create policy dir failed", "error", err)
		return
	}
	if err := os.WriteFile(f.policyPath, data, 0o644); err != nil {
		slog.Warn("write policy record failed", "path", f.policyPath, "error", err)
	}
}
