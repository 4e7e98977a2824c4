package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	OrdersCreated       prometheus.Counter
	ReservationFailures prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	PublishLatencySec   prometheus.Histogram
	EventsConsumed      *prometheus.CounterVec
	ConsumeFailures     *prometheus.CounterVec
	EventsDuplicate     prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_orders_created_total",
		Help: "Orders committed by CreateOrder.",
	})
	reservationFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_reservation_failures_total",
		Help: "Reservations rejected for insufficient stock.",
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_events_published_total",
		Help: "Events the broker took delivery of.",
	}, []string{"event_type"})
	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_publish_failures_total",
		Help: "Events that were logged and dropped because delivery failed.",
	}, []string{"event_type"})
	publishLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderflow_publish_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_events_consumed_total",
		Help: "Events dispatched by the consumer.",
	}, []string{"event_type"})
	consumeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_consume_failures_total",
		Help: "Consumer-side failures by stage (poll, decode, stock, notification, email, dedupe, ack).",
	}, []string{"stage"})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_events_duplicate_total",
		Help: "Redelivered events skipped by the idempotency check.",
	})

	r.MustRegister(ordersCreated, reservationFailures, published, publishFailures,
		publishLatency, consumed, consumeFailures, duplicates)

	return &Registry{
		reg:                 r,
		OrdersCreated:       ordersCreated,
		ReservationFailures: reservationFailures,
		EventsPublished:     published,
		PublishFailures:     publishFailures,
		PublishLatencySec:   publishLatency,
		EventsConsumed:      consumed,
		ConsumeFailures:     consumeFailures,
		EventsDuplicate:     duplicates,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
