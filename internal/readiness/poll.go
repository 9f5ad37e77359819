package readiness

import (
	"context"
	"fmt"
	"time"
)

// Status is the outcome of a bounded wait.
type Status string

const (
	Ready    Status = "ready"
	TimedOut Status = "timed_out"
)

// Result describes how a wait ended.
type Result struct {
	Status   Status
	Attempts int
	Elapsed  time.Duration
	// LastErr is the last error the condition returned, if any.
	LastErr error
}

// Ready reports whether the condition was observed true.
func (r Result) Ready() bool {
	return r.Status == Ready
}

// Err converts a timed-out result into an error for callers that treat it
// as fatal.
func (r Result) Err(what string) error {
	if r.Ready() {
		return nil
	}
	if r.LastErr != nil {
		return fmt.Errorf("%s not ready after %s (%d attempts): %w", what, r.Elapsed.Round(time.Second), r.Attempts, r.LastErr)
	}
	return fmt.Errorf("%s not ready after %s (%d attempts)", what, r.Elapsed.Round(time.Second), r.Attempts)
}

// Condition is polled until it returns true. Errors are recorded and
// polling continues.
type Condition func(ctx context.Context) (bool, error)

// Clock abstracts time so waits can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// PollUntil evaluates cond every interval until it holds or timeout has
// elapsed. Each evaluation gets at most interval to run and the last sleep
// is trimmed to the deadline, so it returns within timeout + interval.
func PollUntil(ctx context.Context, clock Clock, cond Condition, interval, timeout time.Duration) Result {
	if clock == nil {
		clock = RealClock
	}
	if interval <= 0 {
		interval = time.Second
	}

	start := clock.Now()
	var res Result
	for {
		res.Attempts++
		ok, err := evaluate(ctx, cond, interval)
		res.Elapsed = clock.Now().Sub(start)
		if err != nil {
			res.LastErr = err
		}
		if ok {
			res.Status = Ready
			return res
		}
		if res.Elapsed >= timeout || ctx.Err() != nil {
			res.Status = TimedOut
			if res.LastErr == nil && ctx.Err() != nil {
				res.LastErr = ctx.Err()
			}
			return res
		}

		wait := interval
		if remaining := timeout - res.Elapsed; remaining < wait {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			res.Elapsed = clock.Now().Sub(start)
			res.Status = TimedOut
			res.LastErr = err
			return res
		}
	}
}

func evaluate(ctx context.Context, cond Condition, limit time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return cond(cctx)
}
