// Package executor runs commands on VMs over the system ssh client,
// in buffered and streaming modes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/session"
)

// Result is the outcome of a buffered exec. ExitCode is the literal
// process status; -1 means the process died to a signal instead of
// exiting.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands against VMs. The bridge and swarm layers
// depend on this interface so tests can substitute fakes.
type Runner interface {
	// Run executes command to completion. A non-zero exit is not an
	// error; unreachable targets return ConnectivityError.
	Run(ctx context.Context, vmID, command string, timeout time.Duration) (*Result, error)
	// RunInput is Run with content piped to the command's stdin.
	RunInput(ctx context.Context, vmID, command, stdin string, timeout time.Duration) (*Result, error)
	// Stream executes a long-running command, delivering output
	// chunks as they arrive. Returns CancelledError or TimeoutError
	// when the context ends the command; no chunks are delivered
	// after that.
	Stream(ctx context.Context, vmID, command string, onData func([]byte)) error
}

// SSH is the production Runner, shelling out to the local ssh binary
// with the tunnel parameters assembled by the session connector.
type SSH struct {
	conn *session.Connector
	cfg  config.SSHConfig
	// bin is swapped for a stub in tests.
	bin string
}

func NewSSH(conn *session.Connector, cfg config.SSHConfig) *SSH {
	return &SSH{conn: conn, cfg: cfg, bin: "ssh"}
}

func (s *SSH) Run(ctx context.Context, vmID, command string, timeout time.Duration) (*Result, error) {
	return s.RunInput(ctx, vmID, command, "", timeout)
}

func (s *SSH) RunInput(ctx context.Context, vmID, command, stdin string, timeout time.Duration) (*Result, error) {
	d, err := s.conn.Describe(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if err := checkKeyFile(d.KeyPath); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := s.command(ctx, d, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err = cmd.Run()
	if err != nil {
		if cerr := classifyContext(ctx, command, timeout); cerr != nil {
			return nil, cerr
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code := ee.ExitCode()
			if isConnectionFailure(code, stderr.String()) {
				return nil, &ConnectivityError{Host: d.Host, Stderr: strings.TrimSpace(stderr.String())}
			}
			return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
		}
		return nil, fmt.Errorf("run %s: %w", s.bin, err)
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

func (s *SSH) Stream(ctx context.Context, vmID, command string, onData func([]byte)) error {
	d, err := s.conn.Describe(ctx, vmID)
	if err != nil {
		return err
	}
	if err := checkKeyFile(d.KeyPath); err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := s.command(ctx, d, command)
	cmd.Stderr = &stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.bin, err)
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := pipe.Read(buf)
		if n > 0 {
			// Context checked before delivery so nothing arrives
			// after cancellation.
			if ctx.Err() != nil {
				break
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if rerr != nil {
			if rerr != io.EOF && ctx.Err() == nil {
				_ = cmd.Wait()
				return fmt.Errorf("read stream: %w", rerr)
			}
			break
		}
	}

	werr := cmd.Wait()
	if cerr := classifyContext(ctx, command, 0); cerr != nil {
		return cerr
	}
	if werr != nil {
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			if isConnectionFailure(ee.ExitCode(), stderr.String()) {
				return &ConnectivityError{Host: d.Host, Stderr: strings.TrimSpace(stderr.String())}
			}
			return &RemoteExecError{Command: command, ExitCode: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return fmt.Errorf("wait %s: %w", s.bin, werr)
	}
	return nil
}

func (s *SSH) command(ctx context.Context, d *session.Descriptor, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.bin, buildArgs(d, s.cfg.ConnectTimeout, command)...)
	// Graceful termination first, hard kill only after the delay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func buildArgs(d *session.Descriptor, connectTimeout time.Duration, command string) []string {
	args := []string{
		"-i", d.KeyPath,
		"-p", fmt.Sprintf("%d", d.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(connectTimeout.Seconds())),
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
	}
	if d.ProxyCommand != "" {
		args = append(args, "-o", "ProxyCommand="+d.ProxyCommand)
	}
	return append(args, fmt.Sprintf("%s@%s", d.User, d.Host), "--", command)
}

func checkKeyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ssh key file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("ssh key file %s has insecure permissions %o", path, info.Mode().Perm())
	}
	return nil
}

func classifyContext(ctx context.Context, command string, timeout time.Duration) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &TimeoutError{Command: command, After: timeout}
	case context.Canceled:
		return &CancelledError{Command: command}
	}
	return nil
}

// isConnectionFailure tells an unreachable target apart from a
// remote command that exited 255 on its own. ssh reserves 255 for
// its own failures and writes a recognizable message to stderr.
func isConnectionFailure(exitCode int, stderr string) bool {
	if exitCode != 255 {
		return false
	}
	patterns := []string{
		"connection refused",
		"connection closed",
		"connection reset",
		"connection timed out",
		"no route to host",
		"network is unreachable",
		"host is down",
		"could not resolve hostname",
		"operation timed out",
		"broken pipe",
	}
	lower := strings.ToLower(stderr)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
