package mq

import (
	"context"
	"errors"
)

var ErrBrokerClosed = errors.New("broker closed")

// Message is one delivery handed to a Handler.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes a delivery. A non-nil error means the delivery was not
// handled; brokers log it and the outbox or retry scanner re-drives it.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the send side used by the outbox relay.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Subscriber runs topic handlers until ctx is done. Subscribe must be
// called before Start.
type Subscriber interface {
	Subscribe(topic string, h Handler)
	Start(ctx context.Context) error
}
