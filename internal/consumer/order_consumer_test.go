package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type fakeProducts struct {
	stock       map[int64]int
	invalidated []int64
}

func (f *fakeProducts) GetFresh(_ context.Context, id int64) (*models.Product, error) {
	qty, ok := f.stock[id]
	if !ok {
		return nil, apperr.New(apperr.KindProductNotFound, "product %d not found", id)
	}
	return &models.Product{ID: id, StockQuantity: qty}, nil
}

func (f *fakeProducts) Invalidate(_ context.Context, ids ...int64) {
	f.invalidated = append(f.invalidated, ids...)
}

type fakeNotifications struct {
	err     error
	created []models.Notification
	// before runs ahead of every insert.
	before func()
}

func (f *fakeNotifications) Create(ctx context.Context, n *models.Notification) error {
	if f.before != nil {
		f.before()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	n.ID = int64(len(f.created) + 1)
	f.created = append(f.created, *n)
	return nil
}

type sentMail struct{ to, subject, body string }

type fakeMailer struct {
	err  error
	sent []sentMail
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type failingDeduper struct{}

func (failingDeduper) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDeduper) Release(context.Context, string) error {
	return errors.New("redis down")
}

// fakeSubscription replays queued results and then blocks until ctx ends.
type fakeSubscription struct {
	mu      sync.Mutex
	results []pollResult
	closed  bool
}

type pollResult struct {
	d   *messaging.Delivery
	err error
}

func (s *fakeSubscription) Poll(ctx context.Context, timeout time.Duration) (*messaging.Delivery, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return r.d, r.err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type ConsumerSuite struct {
	suite.Suite

	products      *fakeProducts
	notifications *fakeNotifications
	mailer        *fakeMailer
	sub           *fakeSubscription
	metrics       *metrics.Registry
	consumer      *OrderConsumer
}

func (s *ConsumerSuite) SetupTest() {
	s.products = &fakeProducts{stock: map[int64]int{1: 3, 5: 9}}
	s.notifications = &fakeNotifications{}
	s.mailer = &fakeMailer{}
	s.sub = &fakeSubscription{}
	s.metrics = metrics.NewRegistry()
	s.consumer = NewOrderConsumer(s.sub, s.products, s.notifications, s.mailer,
		NewMemoryDeduper(), 10*time.Millisecond, time.Second, s.metrics, zap.NewNop())
}

func delivery(body string, acked *int) *messaging.Delivery {
	return messaging.NewDelivery(messaging.Message{Body: []byte(body)}, func(context.Context) error {
		*acked++
		return nil
	})
}

const createdBody = `{"event_type":"ORDER_CREATED","order_id":7,"user_id":42,"email":"buyer@example.com","items":[{"product_id":1,"quantity":2},{"product_id":5,"quantity":1}]}`

func (s *ConsumerSuite) TestOrderCreatedRunsAllSideEffects() {
	var acked int
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))

	s.Equal(1, acked)
	s.ElementsMatch([]int64{1, 5}, s.products.invalidated)

	s.Require().Len(s.notifications.created, 1)
	n := s.notifications.created[0]
	s.Equal(int64(42), n.UserID)
	s.Equal(models.NotificationOrder, n.Type)
	s.Contains(n.Message, "#7")

	s.Require().Len(s.mailer.sent, 1)
	s.Equal(sentMail{"buyer@example.com", "Order confirmation", "We have received order #7."}, s.mailer.sent[0])

	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsConsumed.WithLabelValues("ORDER_CREATED")))
}

func (s *ConsumerSuite) TestMissingProductIsSkippedNotFatal() {
	var acked int
	body := `{"event_type":"ORDER_CREATED","order_id":8,"user_id":42,"email":"buyer@example.com","items":[{"product_id":99,"quantity":1},{"product_id":5,"quantity":1}]}`

	s.consumer.Handle(context.Background(), delivery(body, &acked))

	s.Equal(1, acked)
	s.Equal([]int64{5}, s.products.invalidated)
	s.Len(s.notifications.created, 1)
	s.Len(s.mailer.sent, 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("stock")))
}

func (s *ConsumerSuite) TestEmailFailureDoesNotUndoNotification() {
	s.mailer.err = errors.New("smtp down")

	var acked int
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))

	s.Equal(1, acked)
	s.Len(s.notifications.created, 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("email")))
}

func (s *ConsumerSuite) TestNotificationFailureStillSendsEmail() {
	s.notifications.err = errors.New("db down")

	var acked int
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))

	s.Len(s.mailer.sent, 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("notification")))
}

func (s *ConsumerSuite) TestOrderDelivered() {
	var acked int
	s.consumer.Handle(context.Background(),
		delivery(`{"event_type":"ORDER_DELIVERED","order_id":7,"user_id":42,"email":"buyer@example.com"}`, &acked))

	s.Equal(1, acked)
	s.Empty(s.products.invalidated)
	s.Require().Len(s.notifications.created, 1)
	s.Equal("Order delivered", s.notifications.created[0].Title)
	s.Equal([]sentMail{{"buyer@example.com", "Order delivered", "Order #7 has been delivered."}}, s.mailer.sent)
}

func (s *ConsumerSuite) TestOrderCanceledOnlyReconcilesStock() {
	var acked int
	s.consumer.Handle(context.Background(),
		delivery(`{"event_type":"ORDER_CANCELED","order_id":7,"user_id":42,"email":"buyer@example.com","items":[{"product_id":1,"quantity":2}]}`, &acked))

	s.Equal(1, acked)
	s.Equal([]int64{1}, s.products.invalidated)
	s.Empty(s.notifications.created)
	s.Empty(s.mailer.sent)
}

func (s *ConsumerSuite) TestMalformedEventIsAckedAndSkipped() {
	var acked int
	s.consumer.Handle(context.Background(), delivery(`{"event_type":"ORDER_LOST","order_id":1}`, &acked))
	s.consumer.Handle(context.Background(), delivery(`not json`, &acked))

	s.Equal(2, acked)
	s.Empty(s.notifications.created)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("decode")))
}

func (s *ConsumerSuite) TestRedeliveryIsHandledOnce() {
	var acked int
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))

	s.Equal(2, acked)
	s.Len(s.notifications.created, 1)
	s.Len(s.mailer.sent, 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsDuplicate))
}

func (s *ConsumerSuite) TestDedupeFailureProcessesAnyway() {
	s.consumer.dedupe = failingDeduper{}

	var acked int
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))

	s.Len(s.notifications.created, 2)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("dedupe")))
}

func (s *ConsumerSuite) TestRunSkipsBrokerErrorsAndStopsOnCancel() {
	var acked int
	s.sub.results = []pollResult{
		{err: errors.New("partition rebalancing")},
		{d: delivery(createdBody, &acked)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.consumer.Run(ctx) }()

	s.Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.EventsConsumed.WithLabelValues("ORDER_CREATED")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("consumer did not stop")
	}

	s.True(s.sub.closed)
	s.Equal(1, acked)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("poll")))
}

func (s *ConsumerSuite) TestRunReturnsWhenSubscriptionCloses() {
	s.sub.results = []pollResult{{err: messaging.ErrClosed}}

	err := s.consumer.Run(context.Background())
	s.ErrorIs(err, messaging.ErrClosed)
	s.True(s.sub.closed)
}

func (s *ConsumerSuite) TestCancelledContextLeavesEventForRedelivery() {
	var acked int
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.consumer.Handle(ctx, delivery(createdBody, &acked))
	s.Equal(0, acked)
	s.Empty(s.notifications.created)

	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))
	s.Equal(1, acked)
	s.Len(s.notifications.created, 1)
	s.Len(s.mailer.sent, 1)
	s.Equal(0.0, testutil.ToFloat64(s.metrics.EventsDuplicate))
}

func (s *ConsumerSuite) TestInterruptedHandlingReleasesClaim() {
	var acked int
	ctx, cancel := context.WithCancel(context.Background())
	s.notifications.before = cancel

	s.consumer.Handle(ctx, delivery(createdBody, &acked))
	s.Equal(0, acked)
	s.Empty(s.notifications.created)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConsumeFailures.WithLabelValues("interrupted")))

	s.notifications.before = nil
	s.consumer.Handle(context.Background(), delivery(createdBody, &acked))
	s.Equal(1, acked)
	s.Len(s.notifications.created, 1)
	s.Equal(0.0, testutil.ToFloat64(s.metrics.EventsDuplicate))
}

func (s *ConsumerSuite) TestShutdownDuringHandlingFinishesEvent() {
	var acked int
	s.sub.results = []pollResult{{d: delivery(createdBody, &acked)}}

	ctx, cancel := context.WithCancel(context.Background())
	s.notifications.before = cancel

	done := make(chan error, 1)
	go func() { done <- s.consumer.Run(ctx) }()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("consumer did not stop")
	}

	s.Equal(1, acked)
	s.Len(s.notifications.created, 1)
	s.Len(s.mailer.sent, 1)
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper()
	key := dedupeKey(models.EventRef{OrderID: 7}, models.EventOrderCreated)
	assert.Equal(t, "7:ORDER_CREATED", key)

	first, err := d.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := d.Claim(context.Background(), dedupeKey(models.EventRef{OrderID: 7}, models.EventOrderCanceled))
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, d.Release(context.Background(), key))
	again, err = d.Claim(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, again)
}
