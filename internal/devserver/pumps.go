package devserver

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/cron"
	"github.com/cryguy/flaredeck/internal/dashboard"
)

// cronPump fires the scheduled handler for each configured cron whose
// expression matches the current minute.
func (s *Server) cronPump(ctx context.Context) {
	if len(s.cfg.Triggers.Crons) == 0 {
		return
	}

	// Align the ticker to minute boundaries.
	first := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.fireMatchingCrons(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireMatchingCrons(now)
		}
	}
}

func (s *Server) fireMatchingCrons(now time.Time) {
	for _, expr := range s.cfg.Triggers.Crons {
		if !cron.Matches(expr, now) {
			continue
		}
		s.logger.Debug("cron trigger fired", zap.String("cron", expr))
		if err := s.runScheduled(expr); err != nil {
			s.hub.Publish(dashboard.Event{
				Type:    "error",
				Message: "scheduled handler failed: " + err.Error(),
				Source:  "cron",
			})
		}
	}
}

// startQueuePumps runs one consumer pump per configured queue consumer.
func (s *Server) startQueuePumps(ctx context.Context) {
	for _, consumer := range s.cfg.Queues.Consumers {
		q, ok := s.stores.Queues[consumer.Queue]
		if !ok {
			continue
		}
		go q.Consume(ctx, s.deliverBatch)
	}
}

// deliverBatch hands one queue batch to the worker's queue handler and
// maps the execution result back to a broker outcome.
func (s *Server) deliverBatch(ctx context.Context, queueName string, messages []core.QueueDelivery) (*core.QueueOutcome, error) {
	result := s.engine.ExecuteQueue(s.cfg.Name, deployKey, s.env, queueName, messages)
	s.hub.PublishWorkerLogs("queue:"+queueName, result.Logs)

	if result.Error != nil {
		s.hub.Publish(dashboard.Event{
			Type:    "error",
			Message: "queue handler failed: " + result.Error.Error(),
			Source:  "queue:" + queueName,
		})
		return nil, result.Error
	}

	outcome := &core.QueueOutcome{AckAll: true}
	if result.Data != "" {
		outcome = &core.QueueOutcome{}
		if err := json.Unmarshal([]byte(result.Data), outcome); err != nil {
			s.logger.Warn("unreadable queue outcome", zap.Error(err))
			outcome = &core.QueueOutcome{AckAll: true}
		}
	}
	return outcome, nil
}
