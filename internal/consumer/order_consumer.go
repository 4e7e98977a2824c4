package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/email"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProductReader is the slice of the catalog the consumer needs. Stock is
// owned by the order service's reservations; the consumer only reads it.
type ProductReader interface {
	GetFresh(ctx context.Context, id int64) (*models.Product, error)
	Invalidate(ctx context.Context, ids ...int64)
}

type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

// OrderConsumer polls the order-events topic and runs the side effects of
// each event. The side effects of one event are independent of each other,
// and no failure stops the loop.
type OrderConsumer struct {
	sub           messaging.Subscription
	products      ProductReader
	notifications NotificationStore
	mailer        email.Sender
	dedupe        Deduper
	pollTimeout   time.Duration
	handleTimeout time.Duration
	metrics       *metrics.Registry
	log           *zap.Logger
	tracer        trace.Tracer
}

func NewOrderConsumer(
	sub messaging.Subscription,
	products ProductReader,
	notifications NotificationStore,
	mailer email.Sender,
	dedupe Deduper,
	pollTimeout time.Duration,
	handleTimeout time.Duration,
	m *metrics.Registry,
	log *zap.Logger,
) *OrderConsumer {
	return &OrderConsumer{
		sub:           sub,
		products:      products,
		notifications: notifications,
		mailer:        mailer,
		dedupe:        dedupe,
		pollTimeout:   pollTimeout,
		handleTimeout: handleTimeout,
		metrics:       m,
		log:           log,
		tracer:        otel.Tracer("consumer"),
	}
}

// Run polls until ctx is cancelled, then closes the subscription. It
// returns an error only if the subscription itself went away.
func (c *OrderConsumer) Run(ctx context.Context) error {
	c.log.Info("Order consumer started")
	defer func() {
		if err := c.sub.Close(); err != nil {
			c.log.Warn("Failed to close subscription", zap.Error(err))
		}
		c.log.Info("Order consumer closed")
	}()

	for ctx.Err() == nil {
		d, err := c.sub.Poll(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, messaging.ErrClosed) {
				return err
			}
			c.metrics.ConsumeFailures.WithLabelValues("poll").Inc()
			c.log.Warn("Consumer error, skipping", zap.Error(err))
			continue
		}
		if d == nil {
			continue
		}

		// a message already taken off the broker is finished even if
		// shutdown starts meanwhile
		handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handleTimeout)
		c.Handle(handleCtx, d)
		cancel()
	}

	c.log.Info("Order consumer stopping", zap.Error(ctx.Err()))
	return nil
}

// Handle processes one delivery and acknowledges it. Malformed and
// duplicate events are acknowledged without side effects. If ctx ends
// before the side effects finish, the dedupe claim is released and the
// delivery is left unacknowledged so the broker hands it out again.
func (c *OrderConsumer) Handle(ctx context.Context, d *messaging.Delivery) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := c.tracer.Start(ctx, "OrderConsumer.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if ctx.Err() != nil {
		c.metrics.ConsumeFailures.WithLabelValues("interrupted").Inc()
		logger.Warn(ctx, c.log, "Leaving event for redelivery", zap.Error(ctx.Err()))
		return
	}

	ackOnExit := true
	defer func() {
		if ackOnExit {
			c.ack(ctx, d)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.metrics.ConsumeFailures.WithLabelValues("panic").Inc()
			logger.Error(ctx, c.log, "Error processing event", zap.Any("panic", r))
		}
	}()

	event, err := models.DecodeEvent(d.Body)
	if err != nil {
		span.RecordError(err)
		c.metrics.ConsumeFailures.WithLabelValues("decode").Inc()
		logger.Warn(ctx, c.log, "Skipping malformed event",
			zap.ByteString("body", d.Body),
			zap.Error(err),
		)
		return
	}

	ref := event.Ref()
	fields := []zap.Field{
		zap.String("event_type", string(event.Type())),
		zap.Int64("order_id", ref.OrderID),
		zap.Int64("user_id", ref.UserID),
	}
	span.SetAttributes(
		attribute.String("event_type", string(event.Type())),
		attribute.Int64("order_id", ref.OrderID),
	)

	key := dedupeKey(ref, event.Type())
	first, err := c.dedupe.Claim(ctx, key)
	if err != nil {
		c.metrics.ConsumeFailures.WithLabelValues("dedupe").Inc()
		logger.Warn(ctx, c.log, "Dedupe check failed, processing anyway", append(fields, zap.Error(err))...)
	} else if !first {
		c.metrics.EventsDuplicate.Inc()
		logger.Info(ctx, c.log, "Skipping redelivered event", fields...)
		return
	}

	logger.Info(ctx, c.log, "Received event", fields...)

	switch ev := event.(type) {
	case models.OrderCreated:
		c.reconcileStock(ctx, ev.Items, fields)
		c.notify(ctx, ref, "Order created", fmt.Sprintf("Your order #%d has been received.", ref.OrderID), fields)
		c.mail(ctx, ref, "Order confirmation", fmt.Sprintf("We have received order #%d.", ref.OrderID), fields)
	case models.OrderDelivered:
		c.notify(ctx, ref, "Order delivered", fmt.Sprintf("Order #%d was delivered successfully.", ref.OrderID), fields)
		c.mail(ctx, ref, "Order delivered", fmt.Sprintf("Order #%d has been delivered.", ref.OrderID), fields)
	case models.OrderCanceled:
		c.reconcileStock(ctx, ev.Items, fields)
	}

	if ctx.Err() != nil {
		ackOnExit = false
		c.metrics.ConsumeFailures.WithLabelValues("interrupted").Inc()
		if err := c.dedupe.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Error(ctx, c.log, "Failed to release dedupe claim", append(fields, zap.Error(err))...)
		}
		logger.Warn(ctx, c.log, "Event interrupted, leaving it for redelivery", append(fields, zap.Error(ctx.Err()))...)
		return
	}

	c.metrics.EventsConsumed.WithLabelValues(string(event.Type())).Inc()
}

func (c *OrderConsumer) ack(ctx context.Context, d *messaging.Delivery) {
	if err := d.Ack(ctx); err != nil {
		c.metrics.ConsumeFailures.WithLabelValues("ack").Inc()
		logger.Error(ctx, c.log, "Failed to ack message", zap.Error(err))
	}
}

// reconcileStock checks that every referenced product still exists and drops
// its cached copy, since the reservation that produced the event moved its
// stock. Stock itself was already adjusted when the order was written.
func (c *OrderConsumer) reconcileStock(ctx context.Context, items []models.OrderItemEvent, fields []zap.Field) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		p, err := c.products.GetFresh(ctx, item.ProductID)
		if err != nil {
			c.metrics.ConsumeFailures.WithLabelValues("stock").Inc()
			if apperr.KindOf(err) == apperr.KindProductNotFound {
				logger.Warn(ctx, c.log, "Product not found", append(fields, zap.Int64("product_id", item.ProductID))...)
			} else {
				logger.Error(ctx, c.log, "Failed to read product", append(fields,
					zap.Int64("product_id", item.ProductID), zap.Error(err))...)
			}
			continue
		}

		ids = append(ids, p.ID)
		logger.Debug(ctx, c.log, "Stock checked", append(fields,
			zap.Int64("product_id", p.ID),
			zap.Int("quantity", item.Quantity),
			zap.Int("stock_quantity", p.StockQuantity),
		)...)
	}

	c.products.Invalidate(ctx, ids...)
}

func (c *OrderConsumer) notify(ctx context.Context, ref models.EventRef, title, message string, fields []zap.Field) {
	n := &models.Notification{
		UserID:  ref.UserID,
		Title:   title,
		Message: message,
		Type:    models.NotificationOrder,
	}
	if err := c.notifications.Create(ctx, n); err != nil {
		c.metrics.ConsumeFailures.WithLabelValues("notification").Inc()
		logger.Error(ctx, c.log, "Failed to create notification", append(fields, zap.Error(err))...)
		return
	}
	logger.Info(ctx, c.log, "Notification created", append(fields, zap.Int64("notification_id", n.ID))...)
}

func (c *OrderConsumer) mail(ctx context.Context, ref models.EventRef, subject, body string, fields []zap.Field) {
	if err := c.mailer.Send(ctx, ref.Email, subject, body); err != nil {
		c.metrics.ConsumeFailures.WithLabelValues("email").Inc()
		logger.Error(ctx, c.log, "Failed to send email", append(fields, zap.Error(err))...)
		return
	}
	logger.Info(ctx, c.log, "Email sent", append(fields, zap.String("to", ref.Email))...)
}
