package gateway

import (
	"context"
	"testing"
	"time"
)

// TestVisibilityCache_Memoizes verifies a second lookup inside the TTL
// does not hit upstream.
func TestVisibilityCache_Memoizes(t *testing.T) {
	calls := 0
	c := NewVisibilityCache(func(ctx context.Context, owner, name string) (bool, error) {
		calls++
		return true, nil
	}, time.Minute, time.Second)

	for i := 0; i < 3; i++ {
		private, err := c.Private(context.Background(), "project/repo-x")
		if err != nil || !private {
			t.Fatalf("Private = %v, %v", private, err)
		}
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

// TestVisibilityCache_NegativeTTL verifies public answers expire on their
// own shorter clock.
func TestVisibilityCache_NegativeTTL(t *testing.T) {
	calls := 0
	c := NewVisibilityCache(func(ctx context.Context, owner, name string) (bool, error) {
		calls++
		return false, nil
	}, time.Hour, 10*time.Millisecond)

	if _, err := c.Private(context.Background(), "project/repo-x"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Private(context.Background(), "project/repo-x"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2 after negative TTL expiry", calls)
	}
}
