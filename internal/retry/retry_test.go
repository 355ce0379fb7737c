package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codegrove/appforge/internal/fault"
)

// zero removes the backoff wait so tests run instantly.
var zero = []time.Duration{0}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Schedule: zero}, nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesRetryableKind(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Schedule: zero}, nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.KindRateLimit, "throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Schedule: zero}, nil, func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindAuthentication, "bad key")
	})
	if err == nil {
		t.Fatal("Do() should return error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestDo_ExhaustionReportsAttempts(t *testing.T) {
	err := Do(context.Background(), Policy{MaxAttempts: 3, Schedule: zero}, nil, func(ctx context.Context) error {
		return fault.New(fault.KindProviderUnavailable, "down")
	})
	if err == nil {
		t.Fatal("Do() should return error after exhaustion")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error is %T, want *fault.Error", err)
	}
	if fe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", fe.Attempts)
	}
}

func TestDo_ParseFailureSingleRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Schedule: zero}, nil, func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindParseFailure, "not json")
	})
	if err == nil {
		t.Fatal("Do() should return error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (parse failures get one retry at most)", calls)
	}
	// The error carries the attempts actually made, not the policy budget.
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error is %T, want *fault.Error", err)
	}
	if fe.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", fe.Attempts)
	}
}

func TestDo_CancelledNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, Schedule: zero}, nil, func(ctx context.Context) error {
		calls++
		cancel()
		return fault.Wrap(fault.KindCancelled, ctx.Err(), "cancelled mid-attempt")
	})
	if err == nil {
		t.Fatal("Do() should return error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancellation is terminal)", calls)
	}
	if fault.KindOf(err) != fault.KindCancelled {
		t.Errorf("kind = %v, want Cancelled", fault.KindOf(err))
	}
}

func TestDo_OnRetryHookObservesBackoff(t *testing.T) {
	type retryCall struct {
		attempt int
		backoff time.Duration
	}
	var hooks []retryCall
	policy := Policy{MaxAttempts: 3, Schedule: []time.Duration{0, time.Millisecond, 2 * time.Millisecond}}
	_ = Do(context.Background(), policy, func(attempt int, backoff time.Duration, previous error) {
		hooks = append(hooks, retryCall{attempt, backoff})
	}, func(ctx context.Context) error {
		return fault.New(fault.KindTimeout, "slow")
	})

	if len(hooks) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(hooks))
	}
	if hooks[0].attempt != 2 || hooks[0].backoff != time.Millisecond {
		t.Errorf("first retry = %+v, want attempt 2 backoff 1ms", hooks[0])
	}
	if hooks[1].attempt != 3 || hooks[1].backoff != 2*time.Millisecond {
		t.Errorf("second retry = %+v, want attempt 3 backoff 2ms", hooks[1])
	}
}

func TestBackoff_ScheduleClamps(t *testing.T) {
	p := Policy{Schedule: DefaultSchedule}
	if got := p.Backoff(2); got != 500*time.Millisecond {
		t.Errorf("Backoff(2) = %v, want 500ms", got)
	}
	if got := p.Backoff(3); got != 1500*time.Millisecond {
		t.Errorf("Backoff(3) = %v, want 1.5s", got)
	}
	// Attempts beyond the schedule reuse the last entry.
	if got := p.Backoff(7); got != 1500*time.Millisecond {
		t.Errorf("Backoff(7) = %v, want 1.5s", got)
	}
}

func TestNewPolicy_CountsInitialAttempt(t *testing.T) {
	p := NewPolicy(2)
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3 (2 retries + initial)", p.MaxAttempts)
	}
}
