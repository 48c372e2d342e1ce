package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Intent is one outbound notification written by the sandbox side.
type Intent struct {
	Kind      string `json:"kind"` // task_complete, question, pr_opened, error, ...
	ThreadKey string `json:"thread_key,omitempty"`
	Summary   string `json:"summary"`
	Body      string `json:"body,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// Poster sends chat messages. The gateway's paced chat path in
// production, scripted in tests.
type Poster interface {
	Post(ctx context.Context, channel, threadTS, text string) (string, error)
}

// FailureSink receives permanent send failures so they land in the task
// record and resurface as their own notification.
type FailureSink func(ctx context.Context, intent Intent, err error)

// Batcher coalesces intents per thread key inside a window, suppresses
// duplicates within the window, and posts summary-plus-detail.
type Batcher struct {
	poster    Poster
	threads   *ThreadStore
	channel   string // fallback channel for new threads
	window    time.Duration
	onFailure FailureSink

	mu      sync.Mutex
	pending map[string]*batch
	wg      sync.WaitGroup
}

type batch struct {
	intents []Intent
	seen    map[string]bool
	timer   *time.Timer
}

// NewBatcher wires the outbound coalescer.
func NewBatcher(poster Poster, threads *ThreadStore, channel string, window time.Duration, onFailure FailureSink) *Batcher {
	return &Batcher{
		poster:    poster,
		threads:   threads,
		channel:   channel,
		window:    window,
		onFailure: onFailure,
		pending:   make(map[string]*batch),
	}
}

// Add queues an intent. The first intent for a key opens the window; the
// flush fires when it closes. Identical summary+body pairs inside one
// window collapse to one message.
func (b *Batcher) Add(ctx context.Context, intent Intent) {
	key := intent.ThreadKey
	if key == "" {
		key = "standalone-" + intent.Summary
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.pending[key]
	if !ok {
		cur = &batch{seen: make(map[string]bool)}
		cur.timer = time.AfterFunc(b.window, func() { b.flush(ctx, key) })
		b.pending[key] = cur
		b.wg.Add(1)
	}
	dupe := intent.Summary + "\x00" + intent.Body
	if cur.seen[dupe] {
		slog.Debug("duplicate notification suppressed", "thread_key", key, "summary", intent.Summary)
		return
	}
	cur.seen[dupe] = true
	cur.intents = append(cur.intents, intent)
}

// Flush forces all pending windows closed. Used at shutdown and in tests.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	keys := make([]string, 0, len(b.pending))
	for k, cur := range b.pending {
		cur.timer.Stop()
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.flush(ctx, k)
	}
	b.wg.Wait()
}

func (b *Batcher) flush(ctx context.Context, key string) {
	b.mu.Lock()
	cur, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	defer b.wg.Done()

	summary := cur.intents[0].Summary
	if n := len(cur.intents); n > 1 {
		summary = fmt.Sprintf("%s (+%d more updates)", summary, n-1)
	}

	channel, rootTS := b.channel, ""
	if ref, ok := b.threads.Get(key); ok {
		channel, rootTS = ref.Channel, ref.TS
	}

	// Summary first: a new thread's root, or a reply in the known one.
	ts, err := b.poster.Post(ctx, channel, rootTS, summary)
	if err != nil {
		slog.Warn("notification send failed", "thread_key", key, "error", err)
		if b.onFailure != nil {
			b.onFailure(ctx, cur.intents[0], err)
		}
		return
	}
	if rootTS == "" {
		rootTS = ts
		if err := b.threads.Put(key, ThreadRef{Channel: channel, TS: rootTS}); err != nil {
			slog.Warn("thread key persist failed", "thread_key", key, "error", err)
		}
	}

	// Detail bodies follow as thread replies, in arrival order.
	for _, intent := range cur.intents {
		if intent.Body == "" {
			continue
		}
		if _, err := b.poster.Post(ctx, channel, rootTS, intent.Body); err != nil {
			slog.Warn("notification detail send failed", "thread_key", key, "error", err)
			if b.onFailure != nil {
				b.onFailure(ctx, intent, err)
			}
			return
		}
	}
}
