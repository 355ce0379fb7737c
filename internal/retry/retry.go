// Package retry runs operations under a bounded retry policy with a fixed
// backoff schedule, dispatching on the fault kind of each failure.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codegrove/appforge/internal/fault"
)

// DefaultSchedule is the wait applied before each attempt: the initial
// attempt is immediate, the first retry waits 500ms, the second 1.5s.
// Attempts beyond the schedule reuse the last entry.
var DefaultSchedule = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond}

// Policy bounds the retry loop. MaxAttempts counts the initial attempt.
type Policy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

// NewPolicy builds a policy from a stage's retry count (retries = attempts
// beyond the first) using the default schedule.
func NewPolicy(retries int) Policy {
	return Policy{MaxAttempts: retries + 1, Schedule: DefaultSchedule}
}

// Backoff returns the wait applied before the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	schedule := p.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return schedule[idx]
}

// OnRetry is invoked before each retried attempt with the upcoming attempt
// number, the backoff about to be applied and the previous error.
type OnRetry func(attempt int, backoff time.Duration, previous error)

// Do invokes op until it succeeds or the budget is exhausted. Only
// retryable fault kinds are retried; ParseFailure and ArtifactIO get at
// most one retry regardless of budget. Backoff is applied before the
// retried attempt and honours ctx cancellation; a cancelled attempt is not
// retried. On exhaustion the last error is returned wrapped with the
// attempt count.
func Do(ctx context.Context, policy Policy, onRetry OnRetry, op func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := policy.Backoff(attempt)
			if onRetry != nil {
				onRetry(attempt, backoff, lastErr)
			}
			if err := sleep(ctx, backoff); err != nil {
				return fault.Wrap(fault.KindCancelled, err, "cancelled during backoff")
			}
		}

		attempts = attempt
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		kind := fault.KindOf(lastErr)
		if kind == fault.KindCancelled || ctx.Err() != nil {
			return lastErr
		}
		if !kind.Retryable() {
			return lastErr
		}
		if singleRetryKind(kind) && attempt >= 2 {
			break
		}
	}

	return withAttempts(lastErr, attempts)
}

// singleRetryKind marks kinds the taxonomy caps at one retry.
func singleRetryKind(kind fault.Kind) bool {
	return kind == fault.KindParseFailure || kind == fault.KindArtifactIO
}

func withAttempts(err error, attempts int) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		fe.Attempts = attempts
		return err
	}
	wrapped := fault.Wrap(fault.KindOf(err), err, "retries exhausted")
	wrapped.Attempts = attempts
	return wrapped
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	slog.Debug("retry: backing off", "delay", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
