// Package bridge emulates read, write, and edit of remote files by
// composing shell commands; the VM side needs nothing beyond a POSIX
// userland.
package bridge

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hdresearch/vmswarm/internal/executor"
)

// NotFoundError means a path did not exist or an edit's old text was
// absent from the file.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.What)
}

// AmbiguousEditError means the old text matched more than once; the
// edit is refused rather than guessed at.
type AmbiguousEditError struct {
	Text  string
	Count int
}

func (e *AmbiguousEditError) Error() string {
	return fmt.Sprintf("text occurs %d times, need exactly one match: %q", e.Count, truncate(e.Text, 80))
}

type Bridge struct {
	runner       executor.Runner
	maxReadBytes int
	timeout      time.Duration
}

func New(runner executor.Runner, maxReadBytes int, timeout time.Duration) *Bridge {
	if maxReadBytes <= 0 {
		maxReadBytes = 50 * 1024
	}
	return &Bridge{runner: runner, maxReadBytes: maxReadBytes, timeout: timeout}
}

// Read returns lines [offset, offset+limit) of a remote file, both
// 1-based. offset 0 means the beginning, limit 0 means to the end.
// Output larger than the byte ceiling is cut at a line boundary; when
// lines remain beyond what was returned, a continuation hint naming
// the next line is appended.
func (b *Bridge) Read(ctx context.Context, vmID, path string, offset, limit int) (string, error) {
	if offset < 1 {
		offset = 1
	}

	total, err := b.lineCount(ctx, vmID, path)
	if err != nil {
		return "", err
	}
	if offset > total {
		return fmt.Sprintf("(file has %d lines, nothing at line %d)", total, offset), nil
	}

	last := total
	if limit > 0 && offset+limit-1 < total {
		last = offset + limit - 1
	}

	cmd := fmt.Sprintf("sed -n '%d,%dp' %s", offset, last, shQuote(path))
	res, err := b.runner.Run(ctx, vmID, cmd, b.timeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &executor.RemoteExecError{Command: cmd, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	out := res.Stdout
	if len(out) > b.maxReadBytes {
		cut := strings.LastIndexByte(out[:b.maxReadBytes], '\n')
		if cut >= 0 {
			kept := strings.Count(out[:cut+1], "\n")
			out = out[:cut+1]
			last = offset + kept - 1
		} else {
			// The first line alone exceeds the ceiling. Return its
			// head and count the line as consumed, so the
			// continuation hint advances past it instead of naming
			// the same line forever.
			out = out[:b.maxReadBytes] + fmt.Sprintf("\n(line %d exceeds the %d byte limit, truncated)\n", offset, b.maxReadBytes)
			last = offset
		}
	}

	if last < total {
		out += fmt.Sprintf("\n... %d more lines, continue from line %d of %d\n", total-last, last+1, total)
	}
	return out, nil
}

func (b *Bridge) lineCount(ctx context.Context, vmID, path string) (int, error) {
	cmd := fmt.Sprintf("awk 'END{print NR}' %s", shQuote(path))
	res, err := b.runner.Run(ctx, vmID, cmd, b.timeout)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, &NotFoundError{What: path}
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("parse line count %q: %w", res.Stdout, err)
	}
	return n, nil
}

// Write replaces the remote file with content, creating parent
// directories as needed. The heredoc delimiter is regenerated until
// it provably does not occur in the content, so arbitrary content
// round-trips unchanged.
func (b *Bridge) Write(ctx context.Context, vmID, path, content string) error {
	delim := newDelimiter(content)
	qpath := shQuote(path)

	// The heredoc forces a trailing newline onto the body, stripped
	// again after the write so content is stored byte for byte.
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s << '%s' && truncate -s -1 %s\n%s\n%s\n",
		shQuote(dirOf(path)), qpath, delim, qpath, content, delim)

	res, err := b.runner.Run(ctx, vmID, cmd, b.timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &executor.RemoteExecError{Command: "write " + path, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// Edit replaces exactly one occurrence of oldText with newText. Zero
// occurrences is NotFoundError, more than one is AmbiguousEditError.
func (b *Bridge) Edit(ctx context.Context, vmID, path, oldText, newText string) error {
	cmd := "cat " + shQuote(path)
	res, err := b.runner.Run(ctx, vmID, cmd, b.timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &NotFoundError{What: path}
	}

	content := res.Stdout
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return &NotFoundError{What: fmt.Sprintf("text %q in %s", truncate(oldText, 80), path)}
	case n > 1:
		return &AmbiguousEditError{Text: oldText, Count: n}
	}

	return b.Write(ctx, vmID, path, strings.Replace(content, oldText, newText, 1))
}

func newDelimiter(content string) string {
	for {
		d := "VMSWARM_EOF_" + uuid.NewString()
		if !strings.Contains(content, d) {
			return d
		}
	}
}

// shQuote wraps s in single quotes, escaping any embedded ones, so
// it passes through the remote shell as a single literal word.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dirOf(p string) string {
	d := path.Dir(p)
	if d == "" {
		return "."
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
