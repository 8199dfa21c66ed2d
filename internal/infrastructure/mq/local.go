package mq

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// LocalBroker is the in-process broker used when Kafka is disabled. Each
// topic gets a fixed set of shards; a key always maps to the same shard, which
// keeps per-key ordering the way Kafka partitions do.
type LocalBroker struct {
	shards   int
	buffer   int
	log      *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	queues   map[string][]chan Message
	closed   bool
	wg       sync.WaitGroup
}

func NewLocalBroker(shards, buffer int, log *zap.Logger) *LocalBroker {
	if shards <= 0 {
		shards = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalBroker{
		shards:   shards,
		buffer:   buffer,
		log:      log.Named("local_broker"),
		handlers: make(map[string]Handler),
		queues:   make(map[string][]chan Message),
	}
}

func (b *LocalBroker) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = h
	if _, ok := b.queues[topic]; !ok {
		qs := make([]chan Message, b.shards)
		for i := range qs {
			qs[i] = make(chan Message, b.buffer)
		}
		b.queues[topic] = qs
	}
}

func (b *LocalBroker) Start(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for topic, qs := range b.queues {
		h := b.handlers[topic]
		for i, q := range qs {
			b.wg.Add(1)
			go b.run(ctx, topic, i, q, h)
		}
	}
	return nil
}

func (b *LocalBroker) run(ctx context.Context, topic string, shard int, q <-chan Message, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q:
			if !ok {
				return
			}
			if err := h(ctx, msg); err != nil {
				b.log.Error("handle message failed",
					zap.String("topic", topic),
					zap.Int("shard", shard),
					zap.String("key", msg.Key),
					zap.Error(err))
			}
		}
	}
}

// Publish drops messages for topics nobody subscribed to, like a topic
// without consumers.
func (b *LocalBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}
	qs, ok := b.queues[topic]
	if !ok {
		return nil
	}

	q := qs[shardFor(key, len(qs))]
	select {
	case q <- Message{Topic: topic, Key: key, Value: value}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, qs := range b.queues {
		for _, q := range qs {
			close(q)
		}
	}
	return nil
}

// Wait blocks until every shard worker has exited.
func (b *LocalBroker) Wait() {
	b.wg.Wait()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
