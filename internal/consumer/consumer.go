package consumer

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"xypay/internal/config"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/model"
)

// TransferProcessor is the processing entry point driven by transfer
// commands.
type TransferProcessor interface {
	Process(ctx context.Context, transferID int64) error
	Retry(ctx context.Context, transferID int64) error
}

func TransferHandler(p TransferProcessor, log *zap.Logger) mq.Handler {
	log = log.Named("consumer.transfer")
	return func(ctx context.Context, msg mq.Message) error {
		var cmd model.TransferCommand
		if err := json.Unmarshal(msg.Value, &cmd); err != nil || cmd.TransferID == 0 {
			log.Warn("drop malformed transfer command", zap.String("topic", msg.Topic), zap.String("key", msg.Key))
			return nil
		}
		if cmd.Retry {
			return p.Retry(ctx, cmd.TransferID)
		}
		return p.Process(ctx, cmd.TransferID)
	}
}

// CompletedLogger records transfer.completed for the audit trail. Other
// services subscribe to the same topic.
func CompletedLogger(log *zap.Logger) mq.Handler {
	log = log.Named("consumer.completed")
	return func(_ context.Context, msg mq.Message) error {
		var evt model.TransferCompletedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Warn("drop malformed completion event", zap.Error(err))
			return nil
		}
		log.Info("transfer completed",
			zap.Int64("transfer_id", evt.TransferID),
			zap.String("status", string(evt.Status)),
			zap.String("event_type", evt.EventType),
			zap.String("amount", evt.Amount.StringFixed(2)))
		return nil
	}
}

type Handlers struct {
	Transfer     mq.Handler
	Completed    mq.Handler
	Cascade      mq.Handler
	Saga         mq.Handler
	Settlement   mq.Handler
	Notification mq.Handler
}

// Register subscribes every configured handler to its topic.
func Register(sub mq.Subscriber, topics config.KafkaTopicConfig, h Handlers) {
	subscribe := func(topic string, handler mq.Handler) {
		if topic != "" && handler != nil {
			sub.Subscribe(topic, handler)
		}
	}
	subscribe(topics.TransferCreated, h.Transfer)
	subscribe(topics.TransferRetry, h.Transfer)
	subscribe(topics.TransferCompleted, h.Completed)
	subscribe(topics.TransactionRecorded, h.Cascade)
	subscribe(topics.SagaStep, h.Saga)
	subscribe(topics.Settlement, h.Settlement)
	subscribe(topics.Notification, h.Notification)
}
