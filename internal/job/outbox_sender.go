package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"xypay/internal/config"
	"xypay/internal/infrastructure/mq"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// OutboxSender relays PENDING outbox rows to the broker in insertion order.
// Delivery is at-least-once: a crash between publish and MarkSent resends.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, publisher mq.Publisher, cfg config.OutboxConfig, m *metrics.Metrics, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		metrics:    m,
		log:        log.Named("outbox_sender"),
		stopCh:     make(chan struct{}),
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		maxRetry:   cfg.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox sender stopping: context done")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.RelayOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RelayOnce sends one batch and reports how many messages were relayed.
func (s *OutboxSender) RelayOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("query pending outbox", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		s.metrics.OutboxRelayed.WithLabelValues(msg.Topic, "sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("mark outbox sent", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			s.log.Debug("outbox relayed", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		}
		return true
	}

	s.metrics.OutboxRelayed.WithLabelValues(msg.Topic, "error").Inc()
	s.log.Warn("publish outbox message", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))

	exhausted, updateErr := s.outboxRepo.RecordFailure(ctx, msg, err, s.maxRetry)
	if updateErr != nil {
		s.log.Error("record outbox failure", zap.Int64("id", msg.ID), zap.Error(updateErr))
		return false
	}
	if exhausted {
		s.log.Error("outbox message exceeded max retries, parked as FAILED", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic))
	}
	return false
}

// RequeueFailed moves up to limit parked messages back to PENDING so the
// next tick relays them again.
func (s *OutboxSender) RequeueFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	messages, err := s.outboxRepo.GetFailedMessages(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, msg := range messages {
		if err := s.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			return i, err
		}
	}
	if len(messages) > 0 {
		s.log.Info("failed outbox messages requeued", zap.Int("count", len(messages)))
	}
	return len(messages), nil
}
