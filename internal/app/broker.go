package app

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	DefaultEventsExchange         = "ledger.events"
	RoutingKeyTransferCompleted   = "transfer.completed"
	RoutingKeyNotificationAbandon = "notification.abandoned"
)

// BrokerScheduler announces completed transfers on RabbitMQ; the
// TransferCompletedConsumer on the other side feeds the dispatcher.
type BrokerScheduler struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewBrokerScheduler(publisher rabbitmq.Publisher, exchange string) *BrokerScheduler {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultEventsExchange
	}
	return &BrokerScheduler{publisher: publisher, exchange: exchange}
}

func (s *BrokerScheduler) Schedule(ctx context.Context, event domain.TransferCompletedEvent) error {
	return s.publisher.Publish(ctx, s.exchange, RoutingKeyTransferCompleted, event)
}

// TransferCompletedConsumer turns transfer.completed deliveries into
// notification jobs.
type TransferCompletedConsumer struct {
	dispatcher *NotificationDispatcher
	logger     *zap.Logger
}

func NewTransferCompletedConsumer(dispatcher *NotificationDispatcher, logger *zap.Logger) *TransferCompletedConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferCompletedConsumer{dispatcher: dispatcher, logger: logger}
}

// HandleMessage acks malformed payloads and re-queues when the dispatcher
// is full or stopping.
func (c *TransferCompletedConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload",
			zap.String("component", "transfer_completed_consumer"),
			zap.Error(err),
		)
		return true
	}

	if strings.TrimSpace(event.IdempotencyKey) == "" {
		c.logger.Warn("missing txid in event",
			zap.String("component", "transfer_completed_consumer"),
			zap.String("event_id", event.EventID),
		)
		return true
	}

	if err := c.dispatcher.Schedule(context.Background(), event); err != nil {
		c.logger.Warn("notification not scheduled",
			zap.String("component", "transfer_completed_consumer"),
			zap.String("txid", event.IdempotencyKey),
			zap.Error(err),
		)
		return false
	}
	return true
}

// AbandonedNotificationPublisher returns a dispatcher hook that reports
// abandoned jobs on the events exchange for operators.
func AbandonedNotificationPublisher(publisher rabbitmq.Publisher, exchange string, logger *zap.Logger) func(job domain.NotificationJob) {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultEventsExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(job domain.NotificationJob) {
		if err := publisher.Publish(context.Background(), exchange, RoutingKeyNotificationAbandon, job); err != nil {
			logger.Error("abandoned notification publish failed",
				zap.String("component", "dispatcher"),
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
}
