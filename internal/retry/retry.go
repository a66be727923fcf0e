// Package retry runs an operation a bounded number of times with a
// fixed pause between attempts.
package retry

import (
	"context"
	"time"
)

// Clock abstracts sleeping so tests can run without real delays.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy bounds how often an operation is retried. The zero value
// performs a single attempt with no pause.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Clock       Clock
}

// Retryable marks errors that may succeed on a later attempt.
// Errors not implementing it stop the loop immediately.
type Retryable interface {
	Retryable() bool
}

// Do invokes fn until it succeeds, returns a non-retryable error, or
// the attempt budget is spent. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if r, ok := err.(Retryable); !ok || !r.Retryable() {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := clock.Sleep(ctx, p.Interval); serr != nil {
			return serr
		}
	}
	return err
}
