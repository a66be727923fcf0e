package executor

import (
	"fmt"
	"time"
)

// ConnectivityError means the target could not be reached at all,
// as opposed to a reachable target whose command exited non-zero.
type ConnectivityError struct {
	Host   string
	Stderr string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %s", e.Host, e.Stderr)
}

func (e *ConnectivityError) Retryable() bool { return true }

// TimeoutError means the command ran past its deadline and was
// terminated.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.After, e.Command)
}

// CancelledError means the caller aborted the command before it
// finished.
type CancelledError struct {
	Command string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("command cancelled: %s", e.Command)
}

// RemoteExecError reports a remote command that ran and exited
// non-zero. The executor itself never returns it; callers that treat
// a non-zero exit as failure wrap the result in one.
type RemoteExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RemoteExecError) Error() string {
	return fmt.Sprintf("remote command exited %d: %s", e.ExitCode, e.Stderr)
}
