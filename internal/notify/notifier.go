package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"xypay/internal/event"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/model"
)

const (
	ChannelPush  = "PUSH"
	ChannelSMS   = "SMS"
	ChannelEmail = "EMAIL"
)

// Notifier is fire-and-forget: failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, userID int64, title, message, channel string)
}

// OutboxNotifier queues notifications on the notification topic.
type OutboxNotifier struct {
	emitter event.Emitter
	topic   string
	log     *zap.Logger
}

func NewOutboxNotifier(emitter event.Emitter, topic string, log *zap.Logger) *OutboxNotifier {
	return &OutboxNotifier{emitter: emitter, topic: topic, log: log.Named("notify")}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID int64, title, message, channel string) {
	evt := model.NotificationEvent{
		UserID:  userID,
		Title:   title,
		Message: message,
		Channel: channel,
		SentAt:  time.Now().UTC(),
	}
	if err := n.emitter.Emit(ctx, nil, n.topic, strconv.FormatInt(userID, 10), evt); err != nil {
		n.log.Warn("queue notification", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// LogSink is the consumer end of the notification topic. Delivery to
// devices belongs to the notification service; the engine only logs what it
// handed over.
func LogSink(log *zap.Logger) mq.Handler {
	log = log.Named("notify.sink")
	return func(_ context.Context, msg mq.Message) error {
		var evt model.NotificationEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Warn("drop malformed notification", zap.Error(err))
			return nil
		}
		log.Info("notification",
			zap.Int64("user_id", evt.UserID),
			zap.String("channel", evt.Channel),
			zap.String("title", evt.Title))
		return nil
	}
}
