package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/flaredeck/internal/core"
)

// batchCollector records delivered batches and answers with a canned
// outcome per call.
type batchCollector struct {
	mu       sync.Mutex
	batches  [][]core.QueueDelivery
	outcomes []*core.QueueOutcome
	done     chan struct{}
	want     int
}

func newBatchCollector(want int, outcomes ...*core.QueueOutcome) *batchCollector {
	return &batchCollector{outcomes: outcomes, done: make(chan struct{}), want: want}
}

func (c *batchCollector) deliver(_ context.Context, _ string, msgs []core.QueueDelivery) (*core.QueueOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, msgs)
	var out *core.QueueOutcome
	if len(c.outcomes) > 0 {
		out = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	} else {
		out = &core.QueueOutcome{AckAll: true}
	}
	if len(c.batches) == c.want {
		close(c.done)
	}
	return out, nil
}

func (c *batchCollector) wait(t *testing.T) [][]core.QueueDelivery {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func TestQueue_SendAssignsIDs(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{})
	id1, err := q.Send("one", "text/plain")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	id2, err := q.Send("two", "application/json")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected distinct ids, got %q and %q", id1, id2)
	}
	if got := q.Stats().Pending; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
}

func TestQueue_SendBatchOrder(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{})
	ids, err := q.SendBatch([]core.QueueMessageInput{
		{Body: "a"}, {Body: "b"}, {Body: "c"},
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
}

func TestQueue_ConsumeFullBatch(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{MaxBatchSize: 3, MaxBatchTimeout: time.Minute})
	collector := newBatchCollector(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, collector.deliver)

	if _, err := q.SendBatch([]core.QueueMessageInput{{Body: "a"}, {Body: "b"}, {Body: "c"}}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	batches := collector.wait(t)
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batches[0]))
	}
	if batches[0][0].Attempts != 1 {
		t.Fatalf("first attempt = %d, want 1", batches[0][0].Attempts)
	}
	stats := q.Stats()
	if stats.Delivered != 3 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueue_ConsumeTimeoutFlush(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{MaxBatchSize: 10, MaxBatchTimeout: 50 * time.Millisecond})
	collector := newBatchCollector(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, collector.deliver)

	if _, err := q.Send("lonely", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	batches := collector.wait(t)
	if len(batches[0]) != 1 || batches[0][0].Body != "lonely" {
		t.Fatalf("unexpected batch: %+v", batches[0])
	}
}

func TestQueue_TrickleDoesNotExtendWindow(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{MaxBatchSize: 50, MaxBatchTimeout: 200 * time.Millisecond})
	collector := newBatchCollector(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, collector.deliver)

	// Sends keep arriving faster than the batch timeout but slower than
	// the batch size fills. The window opens with the first message, so
	// the first batch must flush after one timeout regardless.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
				q.Send("tick", "")
			}
		}
	}()

	start := time.Now()
	if _, err := q.Send("first", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	batches := collector.wait(t)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("first batch took %v, want ~200ms", elapsed)
	}
	if batches[0][0].Body != "first" {
		t.Fatalf("unexpected first message: %+v", batches[0][0])
	}
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{
		MaxBatchSize:    1,
		MaxBatchTimeout: 10 * time.Millisecond,
		MaxRetries:      2,
	})
	// Initial delivery plus two retries, every one rejected.
	collector := newBatchCollector(3,
		&core.QueueOutcome{RetryAll: true},
		&core.QueueOutcome{RetryAll: true},
		&core.QueueOutcome{RetryAll: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, collector.deliver)

	if _, err := q.Send("doomed", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	batches := collector.wait(t)
	if batches[2][0].Attempts != 3 {
		t.Fatalf("final attempt = %d, want 3", batches[2][0].Attempts)
	}

	deadline := time.After(5 * time.Second)
	for q.Stats().DeadLetters == 0 {
		select {
		case <-deadline:
			t.Fatal("message never dead-lettered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].Body != "doomed" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	if got := q.Stats().Retried; got != 2 {
		t.Fatalf("retried = %d, want 2", got)
	}
}

func TestQueue_PartialAck(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{MaxBatchSize: 2, MaxBatchTimeout: time.Minute, MaxRetries: 0})
	ids, err := q.SendBatch([]core.QueueMessageInput{{Body: "keep"}, {Body: "drop"}})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	collector := newBatchCollector(1, &core.QueueOutcome{
		Acked:   []string{ids[0]},
		Retried: []string{ids[1]},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, collector.deliver)

	collector.wait(t)

	deadline := time.After(5 * time.Second)
	for q.Stats().DeadLetters == 0 {
		select {
		case <-deadline:
			t.Fatal("retried message with zero retry budget never dead-lettered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	stats := q.Stats()
	if stats.Delivered != 1 || stats.DeadLetters != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueue_Backpressure(t *testing.T) {
	q := NewQueue("jobs", QueueConfig{})
	msgs := make([]core.QueueMessageInput, maxPendingMessages)
	if _, err := q.SendBatch(msgs); err != nil {
		t.Fatalf("filling queue: %v", err)
	}
	if _, err := q.Send("overflow", ""); err == nil {
		t.Fatal("expected error when queue is full")
	}
}
