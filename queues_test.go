package flaredeck

import (
	"encoding/json"
	"fmt"
	"testing"
)

func queueBatch(n int) []QueueDelivery {
	msgs := make([]QueueDelivery, n)
	for i := range msgs {
		msgs[i] = QueueDelivery{
			ID:          fmt.Sprintf("msg-%d", i),
			Body:        fmt.Sprintf(`{"n":%d}`, i),
			ContentType: "json",
			Attempts:    1,
		}
	}
	return msgs
}

func execQueue(t *testing.T, e *Engine, source string, env *Env, queueName string, msgs []QueueDelivery) *WorkerResult {
	t.Helper()
	projectID := "test-" + t.Name()
	if _, err := e.CompileAndCache(projectID, "dev", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}
	return e.ExecuteQueue(projectID, "dev", env, queueName, msgs)
}

func queueOutcome(t *testing.T, r *WorkerResult) *QueueOutcome {
	t.Helper()
	if r.Error != nil {
		t.Fatalf("ExecuteQueue: %v", r.Error)
	}
	var out QueueOutcome
	if err := json.Unmarshal([]byte(r.Data), &out); err != nil {
		t.Fatalf("decoding outcome %q: %v", r.Data, err)
	}
	return &out
}

func TestExecuteQueue_BatchShape(t *testing.T) {
	e := newTestEngine(t)
	source := `export default {
  async queue(batch, env, ctx) {
    if (batch.queue !== "jobs") throw new Error("wrong queue: " + batch.queue);
    if (batch.messages.length !== 3) throw new Error("wrong count");
    const m = batch.messages[1];
    if (m.id !== "msg-1") throw new Error("wrong id: " + m.id);
    if (m.body.n !== 1) throw new Error("json body not decoded");
    if (m.attempts !== 1) throw new Error("wrong attempts");
  },
};`

	r := execQueue(t, e, source, defaultEnv(), "jobs", queueBatch(3))
	out := queueOutcome(t, r)
	if out.AckAll || out.RetryAll || len(out.Acked) != 0 || len(out.Retried) != 0 {
		t.Errorf("expected empty outcome, got %+v", out)
	}
}

func TestExecuteQueue_PerMessageAckRetry(t *testing.T) {
	e := newTestEngine(t)
	source := `export default {
  async queue(batch, env, ctx) {
    batch.messages[0].ack();
    batch.messages[2].retry();
  },
};`

	r := execQueue(t, e, source, defaultEnv(), "jobs", queueBatch(3))
	out := queueOutcome(t, r)
	if len(out.Acked) != 1 || out.Acked[0] != "msg-0" {
		t.Errorf("acked = %v, want [msg-0]", out.Acked)
	}
	if len(out.Retried) != 1 || out.Retried[0] != "msg-2" {
		t.Errorf("retried = %v, want [msg-2]", out.Retried)
	}
	if !out.ShouldRetry("msg-2") || out.ShouldRetry("msg-0") {
		t.Error("ShouldRetry does not reflect the outcome")
	}
}

func TestExecuteQueue_RetryAll(t *testing.T) {
	e := newTestEngine(t)
	source := `export default {
  async queue(batch, env, ctx) {
    batch.retryAll();
  },
};`

	r := execQueue(t, e, source, defaultEnv(), "jobs", queueBatch(2))
	out := queueOutcome(t, r)
	if !out.RetryAll {
		t.Errorf("retryAll not set: %+v", out)
	}
	if !out.ShouldRetry("msg-0") || !out.ShouldRetry("msg-1") {
		t.Error("ShouldRetry should report every message under retryAll")
	}
}

func TestExecuteQueue_HandlerThrows(t *testing.T) {
	e := newTestEngine(t)
	source := `export default {
  async queue(batch, env, ctx) {
    throw new Error("consumer broke");
  },
};`

	r := execQueue(t, e, source, defaultEnv(), "jobs", queueBatch(1))
	if r.Error == nil {
		t.Fatal("expected error from throwing queue handler")
	}
}

func TestExecuteQueue_MissingHandler(t *testing.T) {
	e := newTestEngine(t)
	source := `export default {
  fetch() { return new Response("ok"); },
};`

	r := execQueue(t, e, source, defaultEnv(), "jobs", queueBatch(1))
	if r.Error == nil {
		t.Fatal("expected error when the module has no queue handler")
	}
}
