package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hdresearch/vmswarm/internal/executor"
)

// shellRunner runs composed commands against the local shell so the
// bridge's command generation is exercised end to end.
type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, _ string, command string, _ time.Duration) (*executor.Result, error) {
	return shellRun(ctx, command, "")
}

func (shellRunner) RunInput(ctx context.Context, _ string, command, stdin string, _ time.Duration) (*executor.Result, error) {
	return shellRun(ctx, command, stdin)
}

func (shellRunner) Stream(context.Context, string, string, func([]byte)) error {
	return errors.New("not used")
}

func shellRun(ctx context.Context, command, stdin string) (*executor.Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	err := cmd.Run()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return nil, err
		}
		code = ee.ExitCode()
	}
	return &executor.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

func newTestBridge(maxBytes int) *Bridge {
	return New(shellRunner{}, maxBytes, 10*time.Second)
}

func writeLines(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lines.txt")
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestReadSliceWithHint(t *testing.T) {
	b := newTestBridge(0)
	path := writeLines(t, 10)

	out, err := b.Read(context.Background(), "vm-1", path, 5, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(out, "line 5\nline 6\nline 7\n") {
		t.Errorf("unexpected slice:\n%s", out)
	}
	if strings.Contains(out, "line 4") || strings.Contains(out, "line 8\n") {
		t.Errorf("slice leaked neighboring lines:\n%s", out)
	}
	if !strings.Contains(out, "continue from line 8 of 10") {
		t.Errorf("missing continuation hint:\n%s", out)
	}
}

func TestReadWholeFileNoHint(t *testing.T) {
	b := newTestBridge(0)
	path := writeLines(t, 3)

	out, err := b.Read(context.Background(), "vm-1", path, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "line 1\nline 2\nline 3\n" {
		t.Errorf("unexpected content %q", out)
	}
}

func TestReadPastEndCoversOnlyExistingLines(t *testing.T) {
	b := newTestBridge(0)
	path := writeLines(t, 10)

	out, err := b.Read(context.Background(), "vm-1", path, 9, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(out, "line 9\nline 10\n") {
		t.Errorf("unexpected tail slice:\n%s", out)
	}
	if strings.Contains(out, "continue from") {
		t.Errorf("hint present though no lines remain:\n%s", out)
	}
}

func TestReadEnforcesByteCeiling(t *testing.T) {
	b := newTestBridge(32)
	path := writeLines(t, 10)

	out, err := b.Read(context.Background(), "vm-1", path, 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(out, "continue from line") {
		t.Errorf("truncated read missing hint:\n%s", out)
	}
	if strings.Contains(out, "line 10") {
		t.Errorf("ceiling not enforced:\n%s", out)
	}
}

func TestReadOversizedLineStillPaginates(t *testing.T) {
	b := newTestBridge(32)
	path := filepath.Join(t.TempDir(), "wide.txt")
	content := strings.Repeat("x", 100) + "\nshort tail\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	out, err := b.Read(context.Background(), "vm-1", path, 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(out, "line 1 exceeds the 32 byte limit") {
		t.Errorf("oversized line not signaled:\n%s", out)
	}
	// The hint points past the oversized line, so a follow-up read
	// makes progress instead of returning the same line again.
	if !strings.Contains(out, "continue from line 2 of 2") {
		t.Errorf("hint does not advance past the oversized line:\n%s", out)
	}

	next, err := b.Read(context.Background(), "vm-1", path, 2, 0)
	if err != nil {
		t.Fatalf("continuation read: %v", err)
	}
	if !strings.Contains(next, "short tail") {
		t.Errorf("continuation read missing remaining content:\n%s", next)
	}
}

func TestReadMissingFile(t *testing.T) {
	b := newTestBridge(0)

	_, err := b.Read(context.Background(), "vm-1", filepath.Join(t.TempDir(), "nope"), 0, 0)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "sub", "dir", "out.txt")
	content := "first\nsecond\nthird\n"

	if err := b.Write(context.Background(), "vm-1", path, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != content {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestWriteNoTrailingNewline(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "out.txt")

	if err := b.Write(context.Background(), "vm-1", path, "no newline at end"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "no newline at end" {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestWriteAdversarialDelimiter(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "out.txt")
	// Content full of things that look like heredoc terminators.
	content := "EOF\nVMSWARM_EOF_something\n'quoted'\n$var `cmd` \\escape\nEOF\n"

	if err := b.Write(context.Background(), "vm-1", path, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != content {
		t.Errorf("adversarial content mangled: %q", got)
	}
}

func TestEditSingleMatch(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "cfg.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := b.Edit(context.Background(), "vm-1", path, "beta", "BETA"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "alpha\nBETA\ngamma\n" {
		t.Errorf("unexpected content after edit: %q", got)
	}
}

func TestEditAmbiguous(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "cfg.txt")
	if err := os.WriteFile(path, []byte("dup\nother\ndup\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	err := b.Edit(context.Background(), "vm-1", path, "dup", "once")
	var amb *AmbiguousEditError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousEditError, got %T: %v", err, err)
	}
	if amb.Count != 2 {
		t.Errorf("expected count 2, got %d", amb.Count)
	}
	// File untouched.
	got, _ := os.ReadFile(path)
	if string(got) != "dup\nother\ndup\n" {
		t.Errorf("refused edit still changed file: %q", got)
	}
}

func TestEditTextNotFound(t *testing.T) {
	b := newTestBridge(0)
	path := filepath.Join(t.TempDir(), "cfg.txt")
	if err := os.WriteFile(path, []byte("alpha\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	err := b.Edit(context.Background(), "vm-1", path, "missing", "x")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestShQuote(t *testing.T) {
	res, err := shellRun(context.Background(), "printf %s "+shQuote("it's a $test `here`"), "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "it's a $test `here`" {
		t.Errorf("quoting broke round trip: %q", res.Stdout)
	}
}
