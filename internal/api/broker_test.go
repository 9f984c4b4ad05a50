package api

import (
	"context"
	"testing"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("events")
	defer b.Unsubscribe("events", ch)

	b.Publish("events", Event{Type: "order.delivered", Data: map[string]any{"orderId": "o1"}})

	select {
	case evt := <-ch:
		if evt.Type != "order.delivered" {
			t.Errorf("type = %s", evt.Type)
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestBrokerTopicsAreIsolated(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe("a")
	c := b.Subscribe("c")
	defer b.Unsubscribe("a", a)
	defer b.Unsubscribe("c", c)

	b.Publish("a", Event{Type: "x"})

	select {
	case <-c:
		t.Fatal("event crossed topics")
	default:
	}
	select {
	case <-a:
	default:
		t.Fatal("subscriber on topic a got nothing")
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("events")
	defer b.Unsubscribe("events", ch)

	// Publishes beyond the buffer must not block the publisher.
	for i := 0; i < 100; i++ {
		b.Publish("events", Event{Type: "tick"})
	}
	if n := len(ch); n == 0 || n > cap(ch) {
		t.Errorf("buffered = %d, cap %d", n, cap(ch))
	}
}

func TestBrokerSinkForwardsToEventsTopic(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("events")
	defer b.Unsubscribe("events", ch)

	BrokerSink{Broker: b}.Publish(context.Background(), "sla.alert", map[string]any{"orderId": "o1"})

	select {
	case evt := <-ch:
		if evt.Type != "sla.alert" {
			t.Errorf("type = %s", evt.Type)
		}
	default:
		t.Fatal("sink did not forward")
	}
}
