package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Comment is one PR comment waiting for delivery.
type Comment struct {
	Author string
	Time   time.Time
	Body   string
}

// Debouncer holds PR comments per key until the key has been quiet for a
// full window. Every arrival resets the timer. Comments that arrive while
// a flush is being processed roll into the next window rather than being
// dropped or delivered twice.
type Debouncer struct {
	window time.Duration
	emit   func(ctx context.Context, key string, comments []Comment)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	wg      sync.WaitGroup
}

type debounceEntry struct {
	comments   []Comment
	timer      *time.Timer
	processing bool
}

// NewDebouncer builds a debouncer that calls emit with each settled batch.
func NewDebouncer(window time.Duration, emit func(ctx context.Context, key string, comments []Comment)) *Debouncer {
	return &Debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*debounceEntry),
	}
}

// Add queues a comment and restarts the key's quiet window.
func (d *Debouncer) Add(ctx context.Context, key string, c Comment) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.pending[key]
	if !ok {
		entry = &debounceEntry{}
		d.pending[key] = entry
	}
	entry.comments = append(entry.comments, c)

	if entry.processing {
		// The current batch is mid-flight; these comments wait for the
		// timer armed when processing finishes.
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	} else {
		d.wg.Add(1)
	}
	entry.timer = time.AfterFunc(d.window, func() { d.flush(ctx, key) })
}

func (d *Debouncer) flush(ctx context.Context, key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok || len(entry.comments) == 0 {
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		d.wg.Done()
		return
	}
	batch := entry.comments
	entry.comments = nil
	entry.processing = true
	d.mu.Unlock()

	d.emit(ctx, key, batch)

	d.mu.Lock()
	entry.processing = false
	if len(entry.comments) > 0 {
		// Arrivals during processing open a fresh window.
		entry.timer = time.AfterFunc(d.window, func() { d.flush(ctx, key) })
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	d.wg.Done()
}

// Flush delivers everything pending immediately. Shutdown and test use.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		keys = append(keys, k)
	}
	d.mu.Unlock()
	for _, k := range keys {
		d.flush(ctx, k)
	}
	d.wg.Wait()
}

// RenderComments concatenates one settled batch into analyzer input, each
// comment under an author and timestamp header.
func RenderComments(comments []Comment) string {
	var b strings.Builder
	for i, c := range comments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s at %s\n\n%s\n", c.Author, c.Time.UTC().Format(time.RFC3339), c.Body)
	}
	return b.String()
}
