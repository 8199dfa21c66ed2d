package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"xypay/internal/event"
	"xypay/internal/metrics"
	"xypay/internal/model"
	"xypay/internal/notify"
	"xypay/internal/repository"
)

// Classifier terminalizes failed transfers.
type Classifier struct {
	db        *gorm.DB
	transfers *repository.TransferRepository
	emitter   event.Emitter
	topics    event.Topics
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewClassifier(db *gorm.DB, transfers *repository.TransferRepository, emitter event.Emitter, topics event.Topics, notifier notify.Notifier, m *metrics.Metrics, log *zap.Logger) *Classifier {
	return &Classifier{
		db:        db,
		transfers: transfers,
		emitter:   emitter,
		topics:    topics,
		notifier:  notifier,
		metrics:   m,
		log:       log.Named("classifier"),
	}
}

// Classify persists FAILED with reason, code and technical details, and
// enqueues the failed transfer.completed event in the same transaction.
// from is the status the caller observed; retry counts the attempt against
// the retry budget.
//
// A transfer that moved on concurrently is left untouched.
func (c *Classifier) Classify(ctx context.Context, t *model.TransferRequest, from model.TransferStatus, reason string, code model.ErrorCode, details model.Metadata, retry bool) error {
	if !code.Valid() {
		code = model.ErrCodeProcessingError
	}
	details = details.Clone()
	details["transfer_id"] = formatID(t.ID)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.transfers.MarkFailed(ctx, tx, t, from, reason, code, details, retry); err != nil {
			return err
		}
		return c.emitter.Emit(ctx, tx, c.topics.TransferCompleted, transferKey(t.ID), completedEvent(t, model.CategoryTransfer))
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusTransition) {
			c.log.Info("transfer already finalized, skip classification",
				zap.Int64("transfer_id", t.ID), zap.String("code", string(code)))
			return nil
		}
		return err
	}

	c.metrics.TransfersProcessed.WithLabelValues(string(model.TransferStatusFailed), string(code)).Inc()
	c.log.Warn("transfer failed",
		zap.Int64("transfer_id", t.ID),
		zap.String("transfer_no", t.TransferNo),
		zap.String("code", string(code)),
		zap.String("reason", reason),
		zap.Bool("retry", retry))

	c.notifier.Notify(ctx, t.UserID, "Transfer failed",
		"Your transfer of "+t.Amount.StringFixed(2)+" "+t.Currency+" failed: "+reason, notify.ChannelPush)
	return nil
}

func completedEvent(t *model.TransferRequest, kind model.Category) model.TransferCompletedEvent {
	eventType := model.EventTypeTransferCompleted
	if t.Status == model.TransferStatusFailed {
		eventType = model.EventTypeTransferFailed
	}
	ts := time.Now().UTC()
	if t.CompletedAt != nil {
		ts = t.CompletedAt.UTC()
	}
	return model.TransferCompletedEvent{
		TransferID:            t.ID,
		AccountNumber:         t.SourceAccountNumber,
		ReceiverAccountNumber: t.DestinationAccountNumber,
		Amount:                t.Amount,
		Type:                  string(kind),
		Channel:               t.Channel,
		Status:                t.Status,
		Currency:              t.Currency,
		Timestamp:             ts,
		EventType:             eventType,
		EventTimestamp:        time.Now().UTC(),
	}
}

func transferKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
