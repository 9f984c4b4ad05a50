package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/store"
)

// signPayload is the X-Signature value: lowercase hex HMAC-SHA256 of the
// raw body keyed by the subscriber's secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Worker drains the notification queue and delivers each payload over HTTP,
// retrying with exponential backoff until MaxAttempts.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
}

func NewWorker(s store.Store, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Stop:        make(chan struct{}),
		MaxAttempts: maxAttempts,
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueNotifications(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			_ = w.Store.FailNotification(ctx, it.ID, err.Error())
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		if it.Secret != "" {
			req.Header.Set("X-Signature", signPayload(it.Secret, it.Payload))
		}
		resp, err := w.HTTP.Do(req)
		if err == nil && resp != nil {
			code := resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success && err != nil {
			lastErr = err.Error()
		}
		if success {
			metrics.NotificationDeliveries.WithLabelValues(it.EventType, "delivered").Inc()
			_ = w.Store.MarkNotification(ctx, it.ID, true, nil, "")
			continue
		}
		if it.Attempts+1 >= w.MaxAttempts {
			metrics.NotificationDeliveries.WithLabelValues(it.EventType, "failed").Inc()
			_ = w.Store.FailNotification(ctx, it.ID, lastErr)
			continue
		}
		metrics.NotificationDeliveries.WithLabelValues(it.EventType, "retry").Inc()
		_ = w.Store.MarkNotification(ctx, it.ID, false, &next, lastErr)
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
