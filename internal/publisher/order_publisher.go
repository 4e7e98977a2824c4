package publisher

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	HeaderMessageID = "message-id"
	HeaderEventType = "event-type"
)

// OrderPublisher puts order lifecycle events on the order-events topic.
// Delivery failures never reach the caller: they are logged and counted in
// orderflow_publish_failures_total, and the event is lost.
type OrderPublisher struct {
	broker  messaging.Publisher
	topic   string
	cfg     config.Publisher
	metrics *metrics.Registry
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewOrderPublisher(broker messaging.Publisher, topic string, cfg config.Publisher, m *metrics.Registry, log *zap.Logger) *OrderPublisher {
	return &OrderPublisher{
		broker:  broker,
		topic:   topic,
		cfg:     cfg,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer("publisher"),
	}
}

// Publish blocks until the broker accepted the event or every attempt failed.
func (p *OrderPublisher) Publish(ctx context.Context, event models.Event) {
	ref := event.Ref()
	fields := []zap.Field{
		zap.String("event_type", string(event.Type())),
		zap.Int64("order_id", ref.OrderID),
	}

	ctx, span := p.tracer.Start(ctx, "OrderPublisher.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination.name", p.topic),
		attribute.String("event_type", string(event.Type())),
		attribute.Int64("order_id", ref.OrderID),
	)

	body, err := models.EncodeEvent(event)
	if err != nil {
		p.fail(ctx, span, event, err, fields)
		return
	}

	msg := messaging.Message{
		Key:  []byte(strconv.FormatInt(ref.OrderID, 10)),
		Body: body,
		Headers: map[string]string{
			HeaderMessageID: uuid.NewString(),
			HeaderEventType: string(event.Type()),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))

	start := time.Now()
	err = backoff.Retry(func() error {
		if p.cfg.Timeout <= 0 {
			return p.broker.Publish(ctx, p.topic, msg)
		}
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		return p.broker.Publish(sendCtx, p.topic, msg)
	}, p.retryPolicy(ctx))
	p.metrics.PublishLatencySec.Observe(time.Since(start).Seconds())

	if err != nil {
		p.fail(ctx, span, event, err, fields)
		return
	}

	p.metrics.EventsPublished.WithLabelValues(string(event.Type())).Inc()
	logger.Info(ctx, p.log, "Event published", append(fields, zap.String("message_id", msg.Headers[HeaderMessageID]))...)
}

func (p *OrderPublisher) retryPolicy(ctx context.Context) backoff.BackOff {
	if p.cfg.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.MaxRetries), ctx)
}

func (p *OrderPublisher) fail(ctx context.Context, span trace.Span, event models.Event, cause error, fields []zap.Field) {
	err := apperr.Wrap(apperr.KindPublishFailure, cause, "%s for order %d not delivered", event.Type(), event.Ref().OrderID)
	span.RecordError(err)
	span.SetStatus(codes.Error, "publish failed")
	p.metrics.PublishFailures.WithLabelValues(string(event.Type())).Inc()
	logger.Error(ctx, p.log, "Failed to publish event, dropping it", append(fields, zap.Error(err))...)
}
