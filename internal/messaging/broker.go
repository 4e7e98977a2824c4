// Package messaging hides the broker behind a small publish/poll interface
// so the order-events topic can live on RabbitMQ or Kafka.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"go.uber.org/zap"
)

// ErrClosed is returned by Poll once the subscription's underlying
// connection has gone away.
var ErrClosed = errors.New("subscription closed")

type Message struct {
	Key     []byte
	Body    []byte
	Headers map[string]string
}

// Publisher hands messages to the broker. Publish returns only after the
// broker has taken responsibility for the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// Subscription is a pull-style consumer on one topic.
type Subscription interface {
	// Poll waits up to timeout for the next message. It returns (nil, nil)
	// when nothing arrived in time.
	Poll(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Close() error
}

type Broker interface {
	Publisher
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
}

// Delivery is a received message that must be acknowledged once handled.
type Delivery struct {
	Message
	ack func(ctx context.Context) error
}

func NewDelivery(msg Message, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack}
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Connect builds the backend selected by cfg.Kind.
func Connect(cfg config.Broker, log *zap.Logger) (Broker, error) {
	switch cfg.Kind {
	case "kafka":
		return NewKafka(cfg.KafkaAddrs(), log)
	case "rabbitmq":
		return NewRabbitMQ(cfg.RabbitHost, cfg.RabbitPort, cfg.RabbitUser, cfg.RabbitPass, log)
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
