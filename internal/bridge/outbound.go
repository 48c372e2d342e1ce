package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/khan/jib/internal/registry"
)

// Outbound tails sharing/notifications/ and feeds the batcher. Files are
// JSON intents dropped by the sandbox side; processed files move to a
// done/ subdirectory so a crash never loses or double-sends one.
type Outbound struct {
	dir     string
	batcher *Batcher
	reg     registry.Store
}

// NewOutbound wires the notification watcher.
func NewOutbound(dir string, batcher *Batcher, reg registry.Store) *Outbound {
	return &Outbound{dir: dir, batcher: batcher, reg: reg}
}

// Run watches until ctx is cancelled. An initial scan picks up intents
// dropped while the bridge was down.
func (o *Outbound) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(o.dir); err != nil {
		return err
	}

	o.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			o.batcher.Flush(context.Background())
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Writers create then write; a short settle avoids reading a
			// half-written intent.
			time.Sleep(50 * time.Millisecond)
			o.consume(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("notification watcher error", "error", err)
		}
	}
}

func (o *Outbound) scan(ctx context.Context) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		slog.Warn("notification scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			o.consume(ctx, filepath.Join(o.dir, e.Name()))
		}
	}
}

func (o *Outbound) consume(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		slog.Warn("malformed notification dropped", "path", path, "error", err)
		o.archive(path)
		return
	}

	if intent.ContextID != "" {
		if _, err := o.reg.GetOrCreate(ctx, intent.ContextID, intent.Summary, []string{"notification"}); err == nil {
			o.reg.AppendNote(ctx, intent.ContextID, "notified: "+intent.Summary)
		}
	}

	o.batcher.Add(ctx, intent)
	o.archive(path)
	slog.Debug("notification queued", "thread_key", intent.ThreadKey, "kind", intent.Kind)
}

func (o *Outbound) archive(path string) {
	done := filepath.Join(o.dir, "done")
	if err := os.MkdirAll(done, 0o755); err != nil {
		return
	}
	os.Rename(path, filepath.Join(done, filepath.Base(path)))
}
