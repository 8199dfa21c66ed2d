package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"xypay/internal/config"
)

// KafkaProducer publishes with the message key as partition key, so all
// events for one transfer or saga land on the same partition in order.
type KafkaProducer struct {
	producer sarama.SyncProducer
	log      *zap.Logger
}

func NewKafkaProducer(cfg *config.KafkaConfig, log *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Producer.Timeout = 5 * time.Second
	kafkaConfig.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info("kafka producer created", zap.Strings("brokers", cfg.Brokers))
	return &KafkaProducer{producer: producer, log: log.Named("kafka_producer")}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	resultCh := make(chan result, 1)

	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		resultCh <- result{partition, offset, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		p.log.Debug("message sent",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int32("partition", res.partition),
			zap.Int64("offset", res.offset))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// KafkaConsumer runs one consumer group over every subscribed topic.
type KafkaConsumer struct {
	group    sarama.ConsumerGroup
	workers  int
	handlers map[string]Handler
	log      *zap.Logger
	wg       sync.WaitGroup
}

func NewKafkaConsumer(cfg *config.KafkaConfig, log *zap.Logger) (*KafkaConsumer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V3_0_0_0
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &KafkaConsumer{
		group:    group,
		workers:  workers,
		handlers: make(map[string]Handler),
		log:      log.Named("kafka_consumer").With(zap.String("group_id", cfg.GroupID)),
	}, nil
}

func (c *KafkaConsumer) Subscribe(topic string, h Handler) {
	c.handlers[topic] = h
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no subscriptions")
	}

	handler := &groupHandler{handlers: c.handlers, log: c.log}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			c.log.Info("consumer worker started", zap.Int("worker_id", workerID), zap.Strings("topics", topics))
			for {
				if err := c.group.Consume(ctx, topics, handler); err != nil {
					c.log.Error("consume failed", zap.Int("worker_id", workerID), zap.Error(err))
					return
				}
				if ctx.Err() != nil {
					return
				}
			}
		}(i)
	}

	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", zap.Error(err))
		}
	}()

	return nil
}

func (c *KafkaConsumer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		if err := c.group.Close(); err != nil {
			c.log.Error("close consumer group", zap.Error(err))
		}
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type groupHandler struct {
	handlers map[string]Handler
	log      *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks every message, handled or not: failed deliveries are
// re-driven from the database (outbox relay, retry scanner), not by
// replaying the partition.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		handle, ok := h.handlers[message.Topic]
		if ok {
			msg := Message{Topic: message.Topic, Key: string(message.Key), Value: message.Value}
			if err := handle(session.Context(), msg); err != nil {
				h.log.Error("handle message failed",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
			}
		}
		session.MarkMessage(message, "")
	}
	return nil
}
