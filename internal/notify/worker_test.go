package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fleetops/internal/store"
)

func TestWorkerDeliversAndSigns(t *testing.T) {
	var hits atomic.Int64
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	p := NewPublisher(st, []Subscriber{{EventType: "*", URL: srv.URL, Secret: "s3cret"}})
	p.Publish(context.Background(), "assignment.created", map[string]string{"orderId": "o1"})

	w := NewWorker(st, 3)
	w.processOnce()

	if hits.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", hits.Load())
	}
	if gotType != "assignment.created" {
		t.Fatalf("event type header: %q", gotType)
	}
	if gotSig != signPayload("s3cret", gotBody) {
		t.Fatal("signature does not verify against body")
	}
	due, _ := st.FetchDueNotifications(context.Background(), 10)
	if len(due) != 0 {
		t.Fatalf("delivered notification still due: %d", len(due))
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemory()
	id, err := st.EnqueueNotification(context.Background(), store.Notification{
		EventType: "sla.alert", URL: srv.URL, Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(st, 2)
	w.processOnce()

	due, _ := st.FetchDueNotifications(context.Background(), 10)
	if len(due) != 0 {
		t.Fatal("retry must be scheduled in the future, not immediately due")
	}

	// Force the retry due and exhaust attempts.
	now := time.Now().Add(-time.Minute)
	if err := st.MarkNotification(context.Background(), id, false, &now, "forced"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	w.processOnce()

	due, _ = st.FetchDueNotifications(context.Background(), 10)
	if len(due) != 0 {
		t.Fatalf("failed notification must leave the queue, still due: %d", len(due))
	}
}

func TestPublisherMatchesEventType(t *testing.T) {
	st := store.NewMemory()
	p := NewPublisher(st, []Subscriber{
		{EventType: "sla.alert", URL: "http://a.invalid"},
		{EventType: "batch.created", URL: "http://b.invalid"},
	})
	p.Publish(context.Background(), "sla.alert", map[string]string{"orderId": "o1"})

	due, _ := st.FetchDueNotifications(context.Background(), 10)
	if len(due) != 1 || due[0].URL != "http://a.invalid" {
		t.Fatalf("expected one enqueued notification for the matching subscriber, got %+v", due)
	}
}
