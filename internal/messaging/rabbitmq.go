package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQ publishes to a durable queue named after the topic through the
// default exchange. The publishing channel runs in confirm mode and is
// reopened, redialing if needed, when the broker closes it.
type RabbitMQ struct {
	url string
	log *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	closed   bool
}

func NewRabbitMQ(host string, port int, user, password string, log *zap.Logger) (*RabbitMQ, error) {
	return DialRabbitMQ(fmt.Sprintf("amqp://%s:%s@%s:%d/", user, password, host, port), log)
}

// DialRabbitMQ connects using a full amqp:// URL.
func DialRabbitMQ(url string, log *zap.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{url: url, log: log, declared: map[string]bool{}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureChannel(); err != nil {
		if r.conn != nil {
			r.conn.Close()
		}
		return nil, err
	}

	log.Info("Connected to RabbitMQ")
	return r, nil
}

// ensureConn redials when the connection is gone. Callers hold mu.
func (r *RabbitMQ) ensureConn() error {
	if r.closed {
		return ErrClosed
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	if r.conn != nil {
		r.log.Warn("Reconnected to RabbitMQ")
	}
	r.conn = conn
	r.channel = nil
	return nil
}

// ensureChannel reopens the confirm channel when it is closed. Callers
// hold mu.
func (r *RabbitMQ) ensureChannel() error {
	if err := r.ensureConn(); err != nil {
		return err
	}
	if r.channel != nil && !r.channel.IsClosed() {
		return nil
	}

	channel, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	r.channel = channel
	r.declared = map[string]bool{}
	return nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // queue name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends a persistent message to the topic's queue and waits for
// the broker's confirm. A publish that fails because the channel or
// connection went away is retried once on a fresh channel.
func (r *RabbitMQ) Publish(ctx context.Context, topic string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.publish(ctx, topic, msg)
	if err == nil || ctx.Err() != nil || (r.channel != nil && !r.channel.IsClosed()) {
		return err
	}

	r.log.Warn("RabbitMQ channel closed, retrying publish", zap.String("queue", topic), zap.Error(err))
	return r.publish(ctx, topic, msg)
}

func (r *RabbitMQ) publish(ctx context.Context, topic string, msg Message) error {
	if err := r.ensureChannel(); err != nil {
		return err
	}

	if !r.declared[topic] {
		if err := declareQueue(r.channel, topic); err != nil {
			return err
		}
		r.declared[topic] = true
		r.log.Info("Queue declared", zap.String("queue", topic))
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",    // exchange
		topic, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: string(msg.Key),
			MessageId:     msg.Headers["message-id"],
			Headers:       headers,
			Timestamp:     time.Now(),
			Body:          msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message on queue %s", topic)
	}

	return nil
}

// Subscribe opens a dedicated channel consuming the topic's queue with
// manual acks. group is unused; competing consumers share the queue.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	r.mu.Lock()
	err := r.ensureConn()
	conn := r.conn
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareQueue(ch, topic); err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		topic, // queue name
		group, // consumer tag
		false, // auto-ack (false = manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	r.log.Info("Listening on queue", zap.String("queue", topic))
	return &rabbitSubscription{channel: ch, deliveries: deliveries}, nil
}

// Close closes the connection
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

type rabbitSubscription struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSubscription) Poll(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, ErrClosed
		}

		headers := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}

		msg := Message{Key: []byte(d.CorrelationId), Body: d.Body, Headers: headers}
		return NewDelivery(msg, func(context.Context) error {
			return d.Ack(false)
		}), nil
	}
}

func (s *rabbitSubscription) Close() error {
	return s.channel.Close()
}
