package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestReleasedTopic(t *testing.T) {
	if got := ReleasedTopic("locks", "singleton"); got != "distlock.released.locks.singleton" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := ReleasedTopic("my table", "a/b.c"); got != "distlock.released.my_table.a_b_c" {
		t.Fatalf("unexpected sanitized topic %q", got)
	}
	if got := ReleasedTopic("", ""); got != "distlock.released._._" {
		t.Fatalf("unexpected empty topic %q", got)
	}
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch1, _ := bus.Subscribe(ctx, "t")
	ch2, _ := bus.Subscribe(ctx, "t")
	other, _ := bus.Subscribe(ctx, "other")

	if err := bus.Publish(ctx, "t"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not notified", i)
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated topic notified")
	default:
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusNonBlocking(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "t")
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "t"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Fatalf("expected a single buffered notification, got %d", len(ch))
	}
}

func TestInMemoryBusContextUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "t")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if err := bus.Unsubscribe(context.Background(), "t", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}
