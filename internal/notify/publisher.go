package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetops/internal/store"
)

// Sink receives engine events: assignments, SLA alerts, route changes,
// batch creation. Implementations must not block the calling engine.
type Sink interface {
	Publish(ctx context.Context, eventType string, data any)
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) {}

// Fanout forwards events to every sink.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, eventType string, data any) {
	for _, s := range f {
		s.Publish(ctx, eventType, data)
	}
}

// Subscriber is a configured outbound webhook endpoint. EventType "*"
// matches everything.
type Subscriber struct {
	EventType string
	URL       string
	Secret    string
}

// Publisher enqueues one durable notification per matching subscriber;
// the Worker drains the queue.
type Publisher struct {
	Store       store.Store
	Subscribers []Subscriber
}

func NewPublisher(s store.Store, subs []Subscriber) *Publisher {
	return &Publisher{Store: s, Subscribers: subs}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data any) {
	matched := 0
	for _, s := range p.Subscribers {
		if s.EventType == "*" || s.EventType == eventType {
			matched++
		}
	}
	if matched == 0 {
		return
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, s := range p.Subscribers {
		if s.EventType != "*" && s.EventType != eventType {
			continue
		}
		_, _ = p.Store.EnqueueNotification(ctx, store.Notification{
			EventType: eventType,
			URL:       s.URL,
			Secret:    s.Secret,
			Payload:   body,
		})
	}
}
