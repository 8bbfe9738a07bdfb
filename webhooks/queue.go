// Package webhooks fans entity state changes out to registered subscriber
// endpoints. Events ride a bounded in-memory queue; delivery is at least
// once with HMAC-signed payloads and bounded retries.
package webhooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Event is one entity change worth notifying subscribers about.
type Event struct {
	Type                 string            `json:"type"`
	Network              string            `json:"network"`
	BlockchainIdentifier string            `json:"blockchainIdentifier"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Event types published by the control plane.
const (
	EventPaymentStateChanged  = "payment.state-changed"
	EventPaymentActionChanged = "payment.next-action-changed"
	EventPurchaseStateChanged = "purchase.state-changed"
	EventRegistryStateChanged = "registry.state-changed"
)

// Task is one pending delivery of an event to one endpoint.
type Task struct {
	Event      Event
	EndpointID string
	URL        string
	Secret     string
	Attempt    int
	NotBefore  time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

const (
	defaultCapacity = 1024
	defaultTTL      = 15 * time.Minute
)

// QueueOption adjusts queue behaviour.
type QueueOption func(*Queue)

// WithCapacity bounds the number of pending tasks.
func WithCapacity(capacity int) QueueOption {
	return func(q *Queue) {
		if capacity > 0 {
			q.tasks = newRing[queuedTask](capacity)
		}
	}
}

// WithTTL bounds how long a queued task stays deliverable.
func WithTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithClock overrides the queue clock; test only.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is a bounded ring of pending deliveries. Overflow evicts the oldest
// task and counts a drop.
type Queue struct {
	mu    sync.Mutex
	tasks ring[queuedTask]
	ttl   time.Duration
	now   func() time.Time
}

// NewQueue builds a queue with the default capacity and TTL.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		tasks: newRing[queuedTask](defaultCapacity),
		ttl:   defaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a delivery task.
func (q *Queue) Enqueue(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if q.tasks.capacity() == 0 {
		dropCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "overflow")))
		return
	}
	if _, evicted := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); evicted {
		dropCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "overflow")))
	}
}

// Dequeue blocks for the next deliverable task. Returns false once the
// context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := queued.task.NotBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			dropCounter().Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "ttl")))
			continue
		}
		return queued.task, true
	}
}

// Pending reports the number of queued tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		dropCounter().Add(context.Background(), int64(expired), metric.WithAttributes(attribute.String("reason", "ttl")))
	}
}

var (
	dropOnce   sync.Once
	dropMetric metric.Int64Counter
)

func dropCounter() metric.Int64Counter {
	dropOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowd/webhooks")
		counter, err := meter.Int64Counter("escrowd.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("escrowd/webhooks")
			counter, _ = fallback.Int64Counter("escrowd.webhooks.dropped")
		}
		dropMetric = counter
	})
	return dropMetric
}

// ring is a fixed-size buffer that overwrites the oldest element on
// overflow and reports the eviction.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) capacity() int { return len(r.buf) }

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) push(v T) (T, bool) {
	var evicted T
	if len(r.buf) == 0 {
		return evicted, false
	}
	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return evicted, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}
