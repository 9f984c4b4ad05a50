package api

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	srv := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://" + srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	b := newTestRedisBroker(t)
	ch := b.Subscribe("events")
	defer b.Unsubscribe("events", ch)

	b.Publish("events", Event{Type: "assignment.created", Data: map[string]any{"orderId": "o1"}})

	evt := waitEvent(t, ch)
	if evt.Type != "assignment.created" {
		t.Errorf("type = %s", evt.Type)
	}
}

// One subscriber leaving must not disturb the others, and publishing after an
// unsubscribe must not blow up the reader.
func TestRedisBrokerSurvivesSubscriberChurn(t *testing.T) {
	b := newTestRedisBroker(t)
	gone := b.Subscribe("events")
	stays := b.Subscribe("events")
	defer b.Unsubscribe("events", stays)

	b.Unsubscribe("events", gone)

	for i := 0; i < 5; i++ {
		b.Publish("events", Event{Type: "sla.alert"})
	}

	evt := waitEvent(t, stays)
	if evt.Type != "sla.alert" {
		t.Errorf("type = %s", evt.Type)
	}

	// The departed subscriber's channel drains and closes exactly once.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-gone:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("departed subscriber channel never closed")
		}
	}
}
