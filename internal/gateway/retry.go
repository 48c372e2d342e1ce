package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/khan/jib/pkg/wire"
)

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry matches the dispatcher's retry budget.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

// RetryDo runs fn, retrying with jittered exponential backoff while the
// returned error is retryable. Policy rejections never retry.
func RetryDo(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == p.MaxAttempts {
			return err
		}
		delay := backoff(p, attempt)
		slog.Info("gateway.retry", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func retryable(err error) bool {
	var we *wire.Error
	if errors.As(err, &we) {
		return we.Retryable()
	}
	return false
}

func backoff(p RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Jitter within [d/2, d] keeps concurrent retries from aligning
	// without ever sleeping past the cap.
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
