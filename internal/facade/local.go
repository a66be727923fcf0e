package facade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hdresearch/vmswarm/internal/executor"
)

// LocalRunner executes commands on the local machine through the
// shell. It satisfies the same Runner contract as the ssh executor,
// which lets the file bridge serve local paths with identical
// semantics to remote ones.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, _ string, command string, timeout time.Duration) (*executor.Result, error) {
	return LocalRunner{}.RunInput(ctx, "", command, "", timeout)
}

func (LocalRunner) RunInput(ctx context.Context, _ string, command, stdin string, timeout time.Duration) (*executor.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, &executor.TimeoutError{Command: command, After: timeout}
		case context.Canceled:
			return nil, &executor.CancelledError{Command: command}
		}
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return nil, err
		}
		return &executor.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: ee.ExitCode()}, nil
	}
	return &executor.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

func (LocalRunner) Stream(ctx context.Context, _ string, command string, onData func([]byte)) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := pipe.Read(buf)
		if n > 0 && ctx.Err() == nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if rerr != nil {
			if rerr != io.EOF && ctx.Err() == nil {
				_ = cmd.Wait()
				return rerr
			}
			break
		}
	}

	werr := cmd.Wait()
	if ctx.Err() == context.Canceled {
		return &executor.CancelledError{Command: command}
	}
	return werr
}
