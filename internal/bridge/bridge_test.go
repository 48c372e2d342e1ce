package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/khan/jib/internal/registry"
)

// fakePoster records sends and assigns sequential timestamps.
type fakePoster struct {
	mu    sync.Mutex
	sends []fakeSend
	next  int
	fail  bool
}

type fakeSend struct {
	Channel, ThreadTS, Text string
}

func (f *fakePoster) Post(ctx context.Context, channel, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("channel_not_found")
	}
	f.sends = append(f.sends, fakeSend{channel, threadTS, text})
	f.next++
	return fmt.Sprintf("1700000000.%06d", f.next), nil
}

func (f *fakePoster) all() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSend(nil), f.sends...)
}

func testClassifier(threads *ThreadStore) *Classifier {
	return &Classifier{
		SelfUserID:    "U1",
		SelfDMChannel: "D-self",
		BotUserID:     "UBOT",
		TaskPrefix:    "claude:",
		BotThreads:    threads.IsBotThread,
	}
}

// TestClassify covers the three accepted shapes and the common rejects.
func TestClassify(t *testing.T) {
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	threads.Put("k1", ThreadRef{Channel: "D-bot", TS: "1700000000.000001"})
	c := testClassifier(threads)

	tests := []struct {
		name string
		msg  Message
		want EventKind
		ok   bool
	}{
		{"self-dm task", Message{User: "U1", Channel: "D-self", ChannelType: "im", Text: "claude: fix the tests", TS: "1"}, KindSelfDMTask, true},
		{"prefix case-insensitive", Message{User: "U1", Channel: "D-self", ChannelType: "im", Text: "CLAUDE: do it", TS: "2"}, KindSelfDMTask, true},
		{"self-dm without prefix", Message{User: "U1", Channel: "D-self", ChannelType: "im", Text: "lunch ideas", TS: "3"}, "", false},
		{"bot-dm new task", Message{User: "U2", Channel: "D-bot", ChannelType: "im", Text: "look at PR 42", TS: "4"}, KindBotDMReply, true},
		{"thread reply on bot root", Message{User: "U2", Channel: "D-bot", ChannelType: "im", Text: "yes do that", TS: "5", ThreadTS: "1700000000.000001"}, KindThreadReply, true},
		{"thread reply on unknown root", Message{User: "U2", Channel: "D-bot", ChannelType: "im", Text: "hm", TS: "6", ThreadTS: "9999.0001"}, "", false},
		{"own bot message", Message{User: "UBOT", Channel: "D-bot", ChannelType: "im", Text: "status", TS: "7"}, "", false},
		{"bot-authored", Message{User: "U2", BotID: "B1", Channel: "D-bot", ChannelType: "im", Text: "x", TS: "8"}, "", false},
		{"public channel", Message{User: "U2", Channel: "C1", ChannelType: "channel", Text: "claude: x", TS: "9"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := c.Classify(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && ev.Kind != tt.want {
				t.Errorf("kind = %s, want %s", ev.Kind, tt.want)
			}
		})
	}
}

// TestClassify_TaskTextStripsPrefix verifies the prefix is removed from
// the task body.
func TestClassify_TaskTextStripsPrefix(t *testing.T) {
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	c := testClassifier(threads)
	ev, ok := c.Classify(Message{User: "U1", Channel: "D-self", ChannelType: "im", Text: "claude: summarize open PRs", TS: "1"})
	if !ok || ev.Text != "summarize open PRs" {
		t.Errorf("text = %q", ev.Text)
	}
}

// TestClassify_AllowedUsers verifies the optional whitelist.
func TestClassify_AllowedUsers(t *testing.T) {
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	c := testClassifier(threads)
	c.AllowedUsers = []string{"U1"}
	if _, ok := c.Classify(Message{User: "U2", Channel: "D-bot", ChannelType: "im", Text: "x", TS: "1"}); ok {
		t.Error("non-whitelisted user accepted")
	}
}

// TestBatcher_CoalescesAndThreads verifies one window produces one summary
// root plus detail replies, and a later intent reuses the thread.
func TestBatcher_CoalescesAndThreads(t *testing.T) {
	poster := &fakePoster{}
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	b := NewBatcher(poster, threads, "D-bot", 50*time.Millisecond, nil)
	ctx := context.Background()

	b.Add(ctx, Intent{ThreadKey: "k1", Summary: "task finished", Body: "full detail"})
	b.Add(ctx, Intent{ThreadKey: "k1", Summary: "second update", Body: "more detail"})
	b.Flush(ctx)

	sends := poster.all()
	if len(sends) != 3 {
		t.Fatalf("sends = %d (%v), want summary + 2 details", len(sends), sends)
	}
	if sends[0].ThreadTS != "" {
		t.Error("summary was not a new thread root")
	}
	if !strings.Contains(sends[0].Text, "+1 more") {
		t.Errorf("summary = %q, want coalesced count", sends[0].Text)
	}
	root := "1700000000.000001"
	for _, s := range sends[1:] {
		if s.ThreadTS != root {
			t.Errorf("detail threaded to %q, want %q", s.ThreadTS, root)
		}
	}

	// A later window with the same key replies into the stored thread.
	b.Add(ctx, Intent{ThreadKey: "k1", Summary: "follow-up"})
	b.Flush(ctx)
	last := poster.all()[3]
	if last.ThreadTS != root {
		t.Errorf("follow-up threaded to %q, want %q", last.ThreadTS, root)
	}
}

// TestBatcher_SuppressesDuplicates verifies identical intents inside a
// window collapse.
func TestBatcher_SuppressesDuplicates(t *testing.T) {
	poster := &fakePoster{}
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	b := NewBatcher(poster, threads, "D-bot", time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Add(ctx, Intent{ThreadKey: "k1", Summary: "same", Body: "same body"})
	}
	b.Flush(ctx)

	if sends := poster.all(); len(sends) != 2 {
		t.Errorf("sends = %d (%v), want 1 summary + 1 detail", len(sends), sends)
	}
}

// TestBatcher_FailureSurfaces verifies permanent failures reach the sink.
func TestBatcher_FailureSurfaces(t *testing.T) {
	poster := &fakePoster{fail: true}
	threads, _ := OpenThreadStore(filepath.Join(t.TempDir(), "threads.json"))
	var failed []Intent
	b := NewBatcher(poster, threads, "D-bot", time.Minute, func(ctx context.Context, i Intent, err error) {
		failed = append(failed, i)
	})
	b.Add(context.Background(), Intent{ThreadKey: "k1", Summary: "s"})
	b.Flush(context.Background())
	if len(failed) != 1 {
		t.Errorf("failure sink calls = %d, want 1", len(failed))
	}
}

func openTestRegistry(t *testing.T) registry.Store {
	t.Helper()
	s, err := registry.OpenSQLite(filepath.Join(t.TempDir(), "reg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestInbound_SelfDMTask walks the self-DM path end to end: registry
// record with the right labels, task file on disk, in-thread ack.
func TestInbound_SelfDMTask(t *testing.T) {
	dir := t.TempDir()
	incoming := filepath.Join(dir, "incoming")
	responses := filepath.Join(dir, "responses")
	os.MkdirAll(incoming, 0o755)
	os.MkdirAll(responses, 0o755)

	reg := openTestRegistry(t)
	poster := &fakePoster{}
	threads, _ := OpenThreadStore(filepath.Join(dir, "threads.json"))
	in := NewInbound(testClassifier(threads), poster, reg, incoming, responses)

	in.Handle(context.Background(), Message{
		User: "U1", Channel: "D-self", ChannelType: "im",
		Text: "claude: summarize open PRs", TS: "1700000000.000100",
	})

	rec, err := reg.Get(context.Background(), "thread-1700000000.000100")
	if err != nil {
		t.Fatalf("registry record missing: %v", err)
	}
	if !rec.HasLabel("dm-self") || !rec.HasLabel("chat") {
		t.Errorf("labels = %v", rec.Labels)
	}

	taskPath := filepath.Join(incoming, "task-1700000000.000100.md")
	data, err := os.ReadFile(taskPath)
	if err != nil {
		t.Fatalf("task file missing: %v", err)
	}
	if !strings.Contains(string(data), "summarize open PRs") {
		t.Errorf("task file content = %q", data)
	}

	sends := poster.all()
	if len(sends) != 1 || sends[0].ThreadTS != "1700000000.000100" {
		t.Errorf("ack sends = %v", sends)
	}
	if !strings.Contains(sends[0].Text, "task-1700000000.000100.md") {
		t.Errorf("ack = %q, want the saved filename", sends[0].Text)
	}
	if !strings.Contains(sends[0].Text, "Task received") {
		t.Errorf("ack = %q, want the pickup wording", sends[0].Text)
	}
}

// TestTitle_RuneSafeTruncation verifies long multi-byte titles truncate
// on rune boundaries without producing invalid UTF-8.
func TestTitle_RuneSafeTruncation(t *testing.T) {
	long := strings.Repeat("日", 100)
	got := title(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated title is not valid UTF-8: %q", got)
	}
	if want := strings.Repeat("日", 77) + "..."; got != want {
		t.Errorf("title = %q, want 77 runes + ellipsis", got)
	}
	if short := title("short"); short != "short" {
		t.Errorf("short title changed: %q", short)
	}
}

// TestInbound_ReplyReopensClosed verifies a thread reply on a closed
// record flips it back to in_progress and appends a note.
func TestInbound_ReplyReopensClosed(t *testing.T) {
	dir := t.TempDir()
	incoming := filepath.Join(dir, "incoming")
	responses := filepath.Join(dir, "responses")
	os.MkdirAll(incoming, 0o755)
	os.MkdirAll(responses, 0o755)

	reg := openTestRegistry(t)
	ctx := context.Background()
	root := "1700000000.000200"
	if _, err := reg.GetOrCreate(ctx, registry.ThreadContextID(root), "old task", nil); err != nil {
		t.Fatal(err)
	}
	reg.SetStatus(ctx, registry.ThreadContextID(root), registry.StatusClosed)

	poster := &fakePoster{}
	threads, _ := OpenThreadStore(filepath.Join(dir, "threads.json"))
	threads.Put("k", ThreadRef{Channel: "D-bot", TS: root})
	in := NewInbound(testClassifier(threads), poster, reg, incoming, responses)

	in.Handle(ctx, Message{
		User: "U2", Channel: "D-bot", ChannelType: "im",
		Text: "actually also check the docs", TS: "1700000000.000300", ThreadTS: root,
	})

	rec, err := reg.Get(ctx, registry.ThreadContextID(root))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != registry.StatusInProgress {
		t.Errorf("status = %s, want in_progress", rec.Status)
	}
	if len(rec.Notes) != 1 {
		t.Errorf("notes = %v", rec.Notes)
	}
	if _, err := os.Stat(filepath.Join(responses, "RESPONSE-"+root+".md")); err != nil {
		t.Errorf("response file missing: %v", err)
	}
}
