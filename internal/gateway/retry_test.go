package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/khan/jib/pkg/wire"
)

// TestBackoff_NeverExceedsMaxDelay verifies the jittered delay respects
// the cap at every attempt.
func TestBackoff_NeverExceedsMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		for i := 0; i < 200; i++ {
			d := backoff(p, attempt)
			if d > p.MaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, d, p.MaxDelay)
			}
			if d < p.BaseDelay/2 {
				t.Fatalf("attempt %d: delay %v below half the base", attempt, d)
			}
		}
	}
}

// TestRetryDo_StopsOnPermanentError verifies policy rejections never
// retry.
func TestRetryDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		return &wire.Error{Kind: wire.ErrNotAllowed, Message: "no"}
	})
	if err == nil {
		t.Fatal("error swallowed")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestRetryDo_RetriesTransient verifies retryable kinds use the budget.
func TestRetryDo_RetriesTransient(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		if calls < 3 {
			return &wire.Error{Kind: wire.ErrUpstream5xx, Message: fmt.Sprintf("boom %d", calls)}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v after recovery", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
