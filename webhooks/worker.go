package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"escrowd/store"
)

const maxAttempts = 5

// Publisher resolves subscribers for an event and queues one delivery task
// per active endpoint.
type Publisher struct {
	store  *store.Store
	queue  *Queue
	logger *slog.Logger
}

// NewPublisher wires the fan-out side.
func NewPublisher(st *store.Store, queue *Queue, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: st, queue: queue, logger: logger}
}

// Publish fans an event out to every active subscriber of its type. Lookup
// failures are logged, never propagated: a webhook must not fail the
// mutation that caused it.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	endpoints, err := p.store.WebhookEndpointsForEvent(ctx, event.Type)
	if err != nil {
		p.logger.Error("webhook fan-out failed", "eventType", event.Type, "error", err)
		return
	}
	for _, endpoint := range endpoints {
		p.queue.Enqueue(Task{
			Event:      event,
			EndpointID: endpoint.ID.String(),
			URL:        endpoint.URL,
			Secret:     endpoint.Secret,
		})
	}
}

// Worker drains the queue and POSTs signed payloads to subscribers.
type Worker struct {
	queue  *Queue
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerConfig wires a delivery worker.
type WorkerConfig struct {
	Queue  *Queue
	Client *http.Client
	Logger *slog.Logger
	Now    func() time.Time
}

// NewWorker builds a stopped worker.
func NewWorker(cfg WorkerConfig) *Worker {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{queue: cfg.Queue, client: client, logger: logger, now: now}
}

// Start launches the delivery loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx)
}

// Stop cancels the loop and waits for the in-flight delivery.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.Deliver(ctx, task)
	}
}

// Deliver POSTs one task; non-2xx and transport failures re-queue with
// exponential backoff until the attempt cap.
func (w *Worker) Deliver(ctx context.Context, task Task) {
	payload, err := json.Marshal(task.Event)
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "endpoint", task.EndpointID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("webhook request build failed", "endpoint", task.EndpointID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", SignPayload(task.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	w.logger.Debug("webhook delivered",
		"endpoint", task.EndpointID, "eventType", task.Event.Type, "attempt", task.Attempt+1)
}

func (w *Worker) retryLater(task Task, cause string) {
	attempt := task.Attempt + 1
	if attempt >= maxAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"endpoint", task.EndpointID, "eventType", task.Event.Type, "cause", cause)
		return
	}
	task.Attempt = attempt
	task.NotBefore = w.now().Add(backoffDuration(attempt))
	w.logger.Info("webhook delivery re-queued",
		"endpoint", task.EndpointID, "attempt", attempt, "cause", cause)
	w.queue.Enqueue(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// SignPayload computes the hex HMAC-SHA256 carried in X-Webhook-Signature.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
