package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/flaredeck/internal/core"
)

// maxPendingMessages bounds each queue's backlog. Producers get an error
// past this point instead of growing memory without limit.
const maxPendingMessages = 10000

// QueueConfig carries the consumer settings for one queue.
type QueueConfig struct {
	MaxBatchSize    int
	MaxBatchTimeout time.Duration
	MaxRetries      int
}

// QueueStats is the dashboard's view of one queue.
type QueueStats struct {
	Pending     int   `json:"pending"`
	Delivered   int64 `json:"delivered"`
	Retried     int64 `json:"retried"`
	DeadLetters int   `json:"dead_letters"`
}

// DeliverFunc hands one batch to the worker's queue handler. The outcome
// reports per-message acks and retries; a nil outcome with nil error acks
// the whole batch.
type DeliverFunc func(ctx context.Context, queueName string, messages []core.QueueDelivery) (*core.QueueOutcome, error)

// Queue is an in-process broker for one named queue. Producers append via
// Send/SendBatch; a single consumer pump drains batches and redelivers
// explicit retries until max retries, after which messages drop to a
// dead-letter list.
type Queue struct {
	name string
	cfg  QueueConfig

	mu        sync.Mutex
	pending   []core.QueueDelivery
	dead      []core.QueueDelivery
	delivered int64
	retried   int64

	notify chan struct{}
}

var _ core.QueueSender = (*Queue)(nil)

// NewQueue creates a broker for the named queue. Zero config fields fall
// back to batch size 10, 5 s timeout, 3 retries.
func NewQueue(name string, cfg QueueConfig) *Queue {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxBatchTimeout <= 0 {
		cfg.MaxBatchTimeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Send enqueues one message and returns its generated id.
func (q *Queue) Send(body, contentType string) (string, error) {
	ids, err := q.SendBatch([]core.QueueMessageInput{{Body: body, ContentType: contentType}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SendBatch enqueues messages atomically and returns their ids in order.
func (q *Queue) SendBatch(messages []core.QueueMessageInput) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending)+len(messages) > maxPendingMessages {
		return nil, fmt.Errorf("queue %q is full (%d pending)", q.name, len(q.pending))
	}

	ids := make([]string, 0, len(messages))
	now := time.Now().UTC()
	for _, m := range messages {
		id := uuid.NewString()
		q.pending = append(q.pending, core.QueueDelivery{
			ID:          id,
			Body:        m.Body,
			ContentType: m.ContentType,
			Timestamp:   now,
			Attempts:    1,
		})
		ids = append(ids, id)
	}
	q.wake()
	return ids, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// takeBatch pops up to MaxBatchSize pending messages.
func (q *Queue) takeBatch() []core.QueueDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if n > q.cfg.MaxBatchSize {
		n = q.cfg.MaxBatchSize
	}
	batch := make([]core.QueueDelivery, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	return batch
}

// requeue puts failed messages back, bumping attempts; messages past the
// retry budget move to the dead-letter list instead.
func (q *Queue) requeue(messages []core.QueueDelivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range messages {
		if m.Attempts > q.cfg.MaxRetries {
			q.dead = append(q.dead, m)
			continue
		}
		m.Attempts++
		q.retried++
		q.pending = append(q.pending, m)
	}
	if len(q.pending) > 0 {
		q.wake()
	}
}

func (q *Queue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Consume runs the delivery pump until ctx is cancelled. Batches form when
// MaxBatchSize messages are pending or MaxBatchTimeout passes with a
// non-empty backlog. The timeout runs from the first message of a batch;
// later sends do not extend the window.
func (q *Queue) Consume(ctx context.Context, deliver DeliverFunc) {
	timer := time.NewTimer(q.cfg.MaxBatchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		// Nothing queued: block until a send or shutdown.
		for q.pendingCount() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
		}

		// The batch window opens with its first pending message.
		timer.Reset(q.cfg.MaxBatchTimeout)
	wait:
		for q.pendingCount() < q.cfg.MaxBatchSize {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				break wait
			case <-q.notify:
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		batch := q.takeBatch()
		if len(batch) == 0 {
			continue
		}
		q.deliverBatch(ctx, deliver, batch)
	}
}

func (q *Queue) deliverBatch(ctx context.Context, deliver DeliverFunc, batch []core.QueueDelivery) {
	outcome, err := deliver(ctx, q.name, batch)
	if err != nil {
		// Handler errors retry the whole batch.
		q.requeue(batch)
		return
	}

	var failed []core.QueueDelivery
	acked := int64(0)
	for _, m := range batch {
		if outcome != nil && outcome.ShouldRetry(m.ID) {
			failed = append(failed, m)
			continue
		}
		acked++
	}
	q.mu.Lock()
	q.delivered += acked
	q.mu.Unlock()
	if len(failed) > 0 {
		q.requeue(failed)
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:     len(q.pending),
		Delivered:   q.delivered,
		Retried:     q.retried,
		DeadLetters: len(q.dead),
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []core.QueueDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.QueueDelivery, len(q.dead))
	copy(out, q.dead)
	return out
}
