package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestQueueOverflowEvictsOldest(t *testing.T) {
	q := NewQueue(WithCapacity(2))
	q.Enqueue(Task{EndpointID: "a"})
	q.Enqueue(Task{EndpointID: "b"})
	q.Enqueue(Task{EndpointID: "c"})

	if q.Pending() != 2 {
		t.Fatalf("pending: %d", q.Pending())
	}
	task, ok := q.Dequeue(context.Background())
	if !ok || task.EndpointID != "b" {
		t.Fatalf("oldest surviving task: %+v %v", task, ok)
	}
}

func TestQueueTTLDropsStaleTasks(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	q := NewQueue(WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	q.Enqueue(Task{EndpointID: "stale"})
	now = now.Add(2 * time.Minute)
	q.Enqueue(Task{EndpointID: "fresh"})

	task, ok := q.Dequeue(context.Background())
	if !ok || task.EndpointID != "fresh" {
		t.Fatalf("stale task not dropped: %+v %v", task, ok)
	}
}

func TestDeliverySignsPayload(t *testing.T) {
	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	worker := NewWorker(WorkerConfig{
		Queue:  NewQueue(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	event := Event{
		Type:                 EventPaymentStateChanged,
		Network:              "Preprod",
		BlockchainIdentifier: "escrow-1",
		CreatedAt:            time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	worker.Deliver(context.Background(), Task{
		Event:  event,
		URL:    server.URL,
		Secret: "s3cret",
	})

	mu.Lock()
	defer mu.Unlock()
	want := SignPayload("s3cret", gotBody)
	if !hmac.Equal([]byte(gotSig), []byte(want)) {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}
	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.BlockchainIdentifier != "escrow-1" || decoded.Type != EventPaymentStateChanged {
		t.Fatalf("payload content: %+v", decoded)
	}
}

func TestFailedDeliveryRequeuesWithBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	q := NewQueue(WithClock(func() time.Time { return now }))
	worker := NewWorker(WorkerConfig{
		Queue:  q,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return now },
	})
	worker.Deliver(context.Background(), Task{URL: server.URL, Secret: "s"})

	if q.Pending() != 1 {
		t.Fatalf("failed delivery not re-queued: %d pending", q.Pending())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// NotBefore is a second out, so an immediate dequeue should block until
	// the context dies rather than hand the task back early.
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("task handed out before its backoff")
	}
}

func TestDeliveryAbandonedAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	q := NewQueue()
	worker := NewWorker(WorkerConfig{
		Queue:  q,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	worker.Deliver(context.Background(), Task{URL: server.URL, Attempt: maxAttempts - 1})

	if q.Pending() != 0 {
		t.Fatalf("exhausted task re-queued: %d pending", q.Pending())
	}
}

func TestBackoffCaps(t *testing.T) {
	if got := backoffDuration(1); got != time.Second {
		t.Fatalf("first backoff: %v", got)
	}
	if got := backoffDuration(3); got != 4*time.Second {
		t.Fatalf("third backoff: %v", got)
	}
	if got := backoffDuration(30); got != 5*time.Minute {
		t.Fatalf("capped backoff: %v", got)
	}
}
