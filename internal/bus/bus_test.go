package bus

import (
	"context"
	"testing"
	"time"
)

// TestPublishConsume verifies queue delivery in order.
func TestPublishConsume(t *testing.T) {
	b := New(4)
	b.PublishSync(SyncEvent{RunID: "s1", Added: []string{"a.md"}})
	b.PublishSync(SyncEvent{RunID: "s2"})

	ctx := context.Background()
	ev, ok := b.ConsumeSync(ctx)
	if !ok || ev.RunID != "s1" {
		t.Fatalf("first = %+v, %v", ev, ok)
	}
	ev, ok = b.ConsumeSync(ctx)
	if !ok || ev.RunID != "s2" {
		t.Fatalf("second = %+v, %v", ev, ok)
	}
}

// TestConsumeCancellation verifies a cancelled consumer returns false.
func TestConsumeCancellation(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeNotification(ctx); ok {
		t.Error("consume returned an event from an empty queue")
	}
}

// TestFullQueueDropsOldest verifies publish never blocks.
func TestFullQueueDropsOldest(t *testing.T) {
	b := New(2)
	for i := 0; i < 5; i++ {
		b.PublishDispatch(DispatchEvent{RunID: string(rune('a' + i))})
	}
	ev, _ := b.ConsumeDispatch(context.Background())
	if ev.RunID == "a" {
		t.Error("oldest event survived a full queue")
	}
}

// TestBroadcast verifies subscribers see published events.
func TestBroadcast(t *testing.T) {
	b := New(4)
	var got []string
	b.Subscribe("test", func(name string, payload any) { got = append(got, name) })
	b.PublishSync(SyncEvent{RunID: "s1"})
	b.PublishNotification(Notification{Summary: "x"})
	b.Unsubscribe("test")
	b.PublishSync(SyncEvent{RunID: "s2"})

	if len(got) != 2 || got[0] != "sync" || got[1] != "notify" {
		t.Errorf("broadcasts = %v", got)
	}
}
