package eventbus

import (
	"testing"
	"time"

	"github.com/nugget/agentmesh/internal/ident"
)

func newTestSub() Subscriber {
	return Subscriber{ID: ident.New(ident.KindChannel), Done: make(chan struct{})}
}

func TestEmitNoSubscribersStillRecordsHistory(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	id := b.Emit("demo_ping", nil, nil)
	if id.IsZero() {
		t.Fatal("Emit returned zero id")
	}

	waitForHistoryLen(t, b, 1)
	hist := b.GetHistory(10)
	if len(hist) != 1 || hist[0].ID != id {
		t.Errorf("GetHistory() = %+v, want one event with id %v", hist, id)
	}
}

func TestSubscribeExactDelivery(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	sub := newTestSub()
	ch := b.Subscribe(sub, "demo_ping")

	b.Emit("demo_ping", map[string]any{"n": 1}, nil)

	select {
	case ev := <-ch:
		if ev.Type != "demo_ping" {
			t.Errorf("got type %q, want demo_ping", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribeExactNoCrossDelivery(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	sub := newTestSub()
	ch := b.Subscribe(sub, "topic_a")
	b.Emit("topic_b", nil, nil)

	select {
	case ev := <-ch:
		t.Errorf("unexpected delivery: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPatternSubscription(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	sub := newTestSub()
	ch := b.SubscribePattern(sub, "demo.*")

	b.Emit("demo_ping", nil, nil)
	b.Emit("system_status", nil, nil)

	select {
	case ev := <-ch:
		if ev.Type != "demo_ping" {
			t.Errorf("got %q, want demo_ping", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pattern delivery")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second delivery: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDoubleStarMatchesTrailingSegments(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"demo.**", "demo_ping", true},
		{"demo.**", "demo_ping_extra", true},
		{"demo.**", "demo", true},
		{"demo.**", "other_ping", false},
		{"a.*.c", "a_b_c", true},
		{"a.*.c", "a_b_x", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	sub := newTestSub()
	ch := b.Subscribe(sub, "topic_a")
	b.Unsubscribe(sub.ID, "topic_a")
	b.Unsubscribe(sub.ID, "topic_a") // idempotent, no panic

	b.Emit("topic_a", nil, nil)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after unsubscribe")
		}
		// channel closed, fine.
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberDeathRemovesSubscriptions(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	done := make(chan struct{})
	sub := Subscriber{ID: ident.New(ident.KindChannel), Done: done}
	b.Subscribe(sub, "topic_a")
	b.SubscribePattern(sub, "topic.*")

	waitForSubscriberCount(t, b, 2)
	close(done)
	waitForSubscriberCount(t, b, 0)
}

func TestHistoryBound(t *testing.T) {
	b := New(nil, 100)
	defer b.Close()

	var lastID ident.ID
	for i := 0; i < 150; i++ {
		lastID = b.Emit("demo_ping", map[string]any{"i": i}, nil)
	}

	waitForHistoryLen(t, b, 100)
	hist := b.GetHistory(1000)
	if len(hist) != 100 {
		t.Fatalf("len(history) = %d, want 100", len(hist))
	}
	if hist[len(hist)-1].ID != lastID {
		t.Error("last history entry is not the last emitted event")
	}
}

func TestDroppedCountsTracksFullMailboxes(t *testing.T) {
	b := New(nil, 100, WithSubscriberBuffer(1))
	defer b.Close()

	sub := newTestSub()
	b.Subscribe(sub, "demo_ping")

	for i := 0; i < 5; i++ {
		b.Emit("demo_ping", nil, nil)
	}

	deadline := time.Now().Add(time.Second)
	var counts map[string]int64
	for time.Now().Before(deadline) {
		counts = b.DroppedCounts()
		if counts[sub.ID.String()] > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if counts[sub.ID.String()] == 0 {
		t.Fatal("DroppedCounts() recorded no drops for an unread, buffer-1 subscriber under 5 emits")
	}
}

func waitForHistoryLen(t *testing.T, b *Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(b.GetHistory(0)) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("history did not reach length %d", n)
}

func waitForSubscriberCount(t *testing.T, b *Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("subscriber count did not reach %d, got %d", n, b.SubscriberCount())
}
