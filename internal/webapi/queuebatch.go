package webapi

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/flaredeck/internal/core"
)

// BuildQueueBatch constructs globalThis.__queue_batch — the MessageBatch
// object passed to a worker's queue(batch, env, ctx) handler — from a set
// of deliveries. Per-message ack()/retry() and batch-level ackAll()/
// retryAll() record into globalThis.__queue_outcome for the Go side to
// read back after the handler settles.
func BuildQueueBatch(rt core.JSRuntime, queueName string, messages []core.QueueDelivery) error {
	type jsMsg struct {
		ID          string `json:"id"`
		Body        string `json:"body"`
		ContentType string `json:"contentType"`
		TimestampMs int64  `json:"timestampMs"`
		Attempts    int    `json:"attempts"`
	}
	msgs := make([]jsMsg, len(messages))
	for i, m := range messages {
		msgs[i] = jsMsg{
			ID:          m.ID,
			Body:        m.Body,
			ContentType: m.ContentType,
			TimestampMs: m.Timestamp.UnixMilli(),
			Attempts:    m.Attempts,
		}
	}
	msgsJSON, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshaling queue messages: %w", err)
	}

	js := fmt.Sprintf(`
(function() {
	globalThis.__queue_outcome = { ackAll: false, retryAll: false, acked: [], retried: [] };
	var raw = JSON.parse(%s);
	var messages = raw.map(function(m) {
		var body = m.body;
		if (m.contentType === 'json') {
			try { body = JSON.parse(m.body); } catch (e) {}
		}
		return {
			id: m.id,
			timestamp: new Date(m.timestampMs),
			body: body,
			attempts: m.attempts,
			ack: function() { globalThis.__queue_outcome.acked.push(m.id); },
			retry: function() { globalThis.__queue_outcome.retried.push(m.id); },
		};
	});
	globalThis.__queue_batch = {
		queue: %s,
		messages: messages,
		ackAll: function() { globalThis.__queue_outcome.ackAll = true; },
		retryAll: function() { globalThis.__queue_outcome.retryAll = true; },
	};
})()
`, core.JsEscape(string(msgsJSON)), core.JsEscape(queueName))

	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("building queue batch: %w", err)
	}
	return nil
}

// CollectQueueOutcome reads back the ack/retry decisions recorded during a
// queue handler invocation and clears the batch globals.
func CollectQueueOutcome(rt core.JSRuntime) (*core.QueueOutcome, error) {
	raw, err := rt.EvalString(`JSON.stringify(globalThis.__queue_outcome || {})`)
	if err != nil {
		return nil, fmt.Errorf("reading queue outcome: %w", err)
	}
	_ = rt.Eval("delete globalThis.__queue_batch; delete globalThis.__queue_outcome;")

	var outcome core.QueueOutcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return nil, fmt.Errorf("decoding queue outcome: %w", err)
	}
	return &outcome, nil
}
