package pubsub

import (
	"testing"
	"time"
)

func TestPublishExactTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe("orders.created", 4)
	defer sub.Close()

	if n := b.Publish("orders.created", []byte("hello")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	select {
	case msg := <-sub.Events():
		if string(msg.Payload) != "hello" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishSingleSegmentWildcard(t *testing.T) {
	b := New()
	sub := b.Subscribe("orders.*.created", 4)
	defer sub.Close()

	if n := b.Publish("orders.42.created", nil); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if n := b.Publish("orders.42.43.created", nil); n != 0 {
		t.Fatalf("expected 0 deliveries for extra segment, got %d", n)
	}
}

func TestPublishTrailingWildcard(t *testing.T) {
	b := New()
	sub := b.Subscribe("orders.#", 4)
	defer sub.Close()

	for _, topic := range []string{"orders", "orders.created", "orders.42.created"} {
		if n := b.Publish(topic, nil); n != 1 {
			t.Fatalf("expected 1 delivery for topic %q, got %d", topic, n)
		}
	}
}

func TestPublishNoMatch(t *testing.T) {
	b := New()
	sub := b.Subscribe("invoices.*", 4)
	defer sub.Close()

	if n := b.Publish("orders.created", nil); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestPublishDropsOnFullChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("orders.created", 1)
	defer sub.Close()

	if n := b.Publish("orders.created", []byte("a")); n != 1 {
		t.Fatalf("expected first publish to deliver, got %d", n)
	}
	if n := b.Publish("orders.created", []byte("b")); n != 0 {
		t.Fatalf("expected second publish to be dropped on a full channel, got %d", n)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("orders.created", 4)
	sub.Close()

	if n := b.Publish("orders.created", nil); n != 0 {
		t.Fatalf("expected 0 deliveries after close, got %d", n)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected subscriber count 0 after close, got %d", got)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	a := b.Subscribe("a.#", 1)
	c := b.Subscribe("b.#", 1)
	defer a.Close()
	defer c.Close()

	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
}
