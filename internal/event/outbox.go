package event

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"xypay/internal/config"
	"xypay/internal/model"
	"xypay/internal/repository"
)

// Emitter records events in the transactional outbox. Writing through the
// caller's tx means an event exists if and only if the state change that
// produced it committed.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, topic, key string, payload interface{}) error
}

type Topics = config.KafkaTopicConfig

type Outbox struct {
	repo *repository.OutboxRepository
}

func NewOutbox(repo *repository.OutboxRepository) *Outbox {
	return &Outbox{repo: repo}
}

// Emit marshals payload as JSON. A nil tx writes outside any transaction.
func (o *Outbox) Emit(ctx context.Context, tx *gorm.DB, topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	}
	if err := o.repo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write outbox %s: %w", topic, err)
	}
	return nil
}
