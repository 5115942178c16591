package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("session.abc.event", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("session.event_appended", "abc", map[string]interface{}{"type": "token"})
	if err := b.Publish(ctx, "session.abc.event", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.SessionID != "abc" {
			t.Errorf("Expected session abc, got %s", got.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)

	sub, err := b.Subscribe("session.*.event", func(ctx context.Context, event *Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = b.Publish(ctx, "session.one.event", NewEvent("session.event_appended", "one", nil))
	_ = b.Publish(ctx, "session.two.event", NewEvent("session.event_appended", "two", nil))
	// Different suffix: must not match.
	_ = b.Publish(ctx, "session.one.sandbox", NewEvent("sandbox.status_changed", "one", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for events")
		}
	}
	// Give the non-matching publish a chance to misdeliver.
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("Expected 2 deliveries, got %d", got)
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe("session.x.event", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "session.x.event", NewEvent("session.event_appended", "x", nil))
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("Expected 0 deliveries after unsubscribe, got %d", got)
	}
}

func TestMemoryEventBus_DeliveryOrderPerSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	const n = 50
	got := make(chan int, n)
	sub, err := b.Subscribe("session.ord.event", func(ctx context.Context, event *Event) error {
		got <- event.Data["seq"].(int)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := NewEvent("session.event_appended", "ord", map[string]interface{}{"seq": i})
		if err := b.Publish(ctx, "session.ord.event", ev); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for want := 0; want < n; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("Out-of-order delivery: expected seq %d, got %d", want, seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for seq %d", want)
		}
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := b.Publish(context.Background(), "session.x.event", NewEvent("t", "x", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
}
