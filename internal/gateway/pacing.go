package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// pacer serializes sends per channel at one message per second. A single
// FIFO per channel gives per-thread submission order for free: a thread's
// messages enqueue in order and nothing reorders them.
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	queues   map[string]chan func()
}

func newPacer() *pacer {
	return &pacer{
		limiters: make(map[string]*rate.Limiter),
		queues:   make(map[string]chan func()),
	}
}

// enqueue schedules fn on the channel's queue and blocks until it ran.
func (p *pacer) enqueue(ctx context.Context, channel string, fn func()) error {
	p.mu.Lock()
	q, ok := p.queues[channel]
	if !ok {
		q = make(chan func(), 256)
		p.queues[channel] = q
		p.limiters[channel] = rate.NewLimiter(rate.Limit(1), 1)
		go p.drain(channel, q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	select {
	case q <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) drain(channel string, q chan func()) {
	p.mu.Lock()
	lim := p.limiters[channel]
	p.mu.Unlock()
	for fn := range q {
		lim.Wait(context.Background())
		fn()
	}
}
