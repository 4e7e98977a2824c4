package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBroker struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []messaging.Message
	topics   []string
}

func (b *fakeBroker) Publish(_ context.Context, topic string, msg messaging.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, msg)
	b.topics = append(b.topics, topic)
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func twoLineOrder() *models.Order {
	return &models.Order{
		ID:        7,
		UserID:    42,
		UserEmail: "buyer@example.com",
		Items: []models.OrderItem{
			{ProductID: 1, Quantity: 2},
			{ProductID: 5, Quantity: 1},
		},
	}
}

func newPublisher(b *fakeBroker, cfg config.Publisher) (*OrderPublisher, *metrics.Registry) {
	m := metrics.NewRegistry()
	return NewOrderPublisher(b, "order-events", cfg, m, zap.NewNop()), m
}

func TestPublishOrderCreated(t *testing.T) {
	b := &fakeBroker{}
	p, m := newPublisher(b, config.Publisher{Timeout: time.Second})

	p.Publish(context.Background(), models.NewOrderCreated(twoLineOrder()))

	require.Len(t, b.sent, 1)
	assert.Equal(t, "order-events", b.topics[0])
	assert.Equal(t, "7", string(b.sent[0].Key))
	assert.NotEmpty(t, b.sent[0].Headers[HeaderMessageID])
	assert.Equal(t, "ORDER_CREATED", b.sent[0].Headers[HeaderEventType])
	assert.JSONEq(t, `{
		"event_type": "ORDER_CREATED",
		"order_id": 7,
		"user_id": 42,
		"email": "buyer@example.com",
		"items": [{"product_id": 1, "quantity": 2}, {"product_id": 5, "quantity": 1}]
	}`, string(b.sent[0].Body))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("ORDER_CREATED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("ORDER_CREATED")))
}

func TestPublishFailureIsSwallowedAndCounted(t *testing.T) {
	b := &fakeBroker{failures: 1}
	core, logs := observer.New(zapcore.ErrorLevel)
	m := metrics.NewRegistry()
	p := NewOrderPublisher(b, "order-events", config.Publisher{Timeout: time.Second}, m, zap.New(core))

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), models.NewOrderDelivered(twoLineOrder()))
	})

	assert.Equal(t, 1, b.calls, "no retry by default")
	assert.Empty(t, b.sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("ORDER_DELIVERED")))

	entries := logs.FilterMessage("Failed to publish event, dropping it").All()
	require.Len(t, entries, 1)
	var logged error
	for _, f := range entries[0].Context {
		if f.Key == "error" {
			logged, _ = f.Interface.(error)
		}
	}
	require.Error(t, logged)
	assert.ErrorIs(t, logged, apperr.ErrPublishFailure)
	assert.Contains(t, logged.Error(), "broker unavailable")
}

func TestPublishRetriesWhenConfigured(t *testing.T) {
	b := &fakeBroker{failures: 2}
	p, m := newPublisher(b, config.Publisher{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		Timeout:         time.Second,
	})

	p.Publish(context.Background(), models.NewOrderCanceled(twoLineOrder()))

	assert.Equal(t, 3, b.calls)
	require.Len(t, b.sent, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("ORDER_CANCELED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("ORDER_CANCELED")))
}

func TestPublishInjectsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := &fakeBroker{}
	p, _ := newPublisher(b, config.Publisher{Timeout: time.Second})

	ctx, span := tp.Tracer("test").Start(context.Background(), "CreateOrder")
	p.Publish(ctx, models.NewOrderCreated(twoLineOrder()))
	span.End()

	require.Len(t, b.sent, 1)
	assert.Contains(t, b.sent[0].Headers["traceparent"], span.SpanContext().TraceID().String())
}
