package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka publishes synchronously: WriteMessages returns after all in-sync
// replicas acknowledged the write.
type Kafka struct {
	brokers []string
	writer  *kafka.Writer
	log     *zap.Logger
}

func NewKafka(brokers []string, log *zap.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	log.Info("Kafka writer ready", zap.Strings("brokers", brokers))

	return &Kafka{brokers: brokers, writer: writer, log: log}, nil
}

// Publish keys the message so all events of one order land on one partition.
func (k *Kafka) Publish(ctx context.Context, topic string, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group on topic. Offsets are committed by Ack only.
func (k *Kafka) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	k.log.Info("Kafka reader joined group",
		zap.String("topic", topic),
		zap.String("group", group),
	)
	return &kafkaSubscription{reader: reader}, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
}

func (s *kafkaSubscription) Poll(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := s.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	msg := Message{Key: m.Key, Body: m.Value, Headers: headers}
	return NewDelivery(msg, func(ctx context.Context) error {
		return s.reader.CommitMessages(ctx, m)
	}), nil
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}
