package core

import "time"

// QueueDelivery is a single message handed to a worker's queue handler.
type QueueDelivery struct {
	ID          string    `json:"id"`
	Body        string    `json:"body"`
	ContentType string    `json:"contentType"`
	Timestamp   time.Time `json:"timestamp"`
	Attempts    int       `json:"attempts"`
}

// QueueOutcome reports the ack/retry decisions a queue handler made on a
// delivered batch. Messages neither acked nor retried count as implicitly
// acked when the handler returned without error.
type QueueOutcome struct {
	AckAll   bool     `json:"ackAll"`
	RetryAll bool     `json:"retryAll"`
	Acked    []string `json:"acked"`
	Retried  []string `json:"retried"`
}

// ShouldRetry reports whether the message with the given ID must be
// redelivered according to this outcome.
func (o *QueueOutcome) ShouldRetry(id string) bool {
	if o == nil {
		return false
	}
	if o.RetryAll {
		return true
	}
	if o.AckAll {
		return false
	}
	for _, acked := range o.Acked {
		if acked == id {
			return false
		}
	}
	for _, retried := range o.Retried {
		if retried == id {
			return true
		}
	}
	return false
}
