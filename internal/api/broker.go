package api

import (
	"context"
	"sync"
)

// Event is one fleet event fanned out to live subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventBroker fans events out by topic. Topics are "events" for the global
// engine stream and "driver:<id>" for per-driver traffic.
type EventBroker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// Broker is the in-memory EventBroker. Slow subscribers drop events rather
// than block publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	if m := b.subs[topic]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(topic string, evt Event) {
	b.mu.Lock()
	m := b.subs[topic]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// BrokerSink adapts an EventBroker to the engines' event sink interface,
// forwarding everything onto the global events topic.
type BrokerSink struct {
	Broker EventBroker
}

func (s BrokerSink) Publish(_ context.Context, eventType string, data any) {
	s.Broker.Publish("events", Event{Type: eventType, Data: data})
}
