// Package service coordinates order writes: reservations, item changes and
// status transitions run in one database transaction each, and lifecycle
// events go out through the publisher.
package service

import (
	"context"
	"database/sql"
	"sort"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/statemachine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type EventPublisher interface {
	Publish(ctx context.Context, event models.Event)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type OrderService struct {
	db        *sql.DB
	orders    *db.OrderRepository
	products  *db.ProductRepository
	publisher EventPublisher
	metrics   *metrics.Registry
	log       *zap.Logger
	tracer    trace.Tracer
}

func NewOrderService(
	orders *db.OrderRepository,
	products *db.ProductRepository,
	publisher EventPublisher,
	m *metrics.Registry,
	log *zap.Logger,
) *OrderService {
	return &OrderService{
		db:        orders.DB(),
		orders:    orders,
		products:  products,
		publisher: publisher,
		metrics:   m,
		log:       log,
		tracer:    otel.Tracer("service/order"),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CreateOrder reserves stock for every line and writes the order in one
// transaction. Any failed reservation rolls back the whole order. The
// ORDER_CREATED event is published only after commit.
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req models.CreateOrderRequest) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", actor.ID),
		attribute.Int("items.count", len(req.Items)),
	)

	if len(req.Items) == 0 {
		return nil, fail(span, apperr.ErrEmptyOrder)
	}
	for _, item := range req.Items {
		if err := models.ValidateQuantity(item.ProductID, item.Quantity); err != nil {
			return nil, fail(span, err)
		}
	}

	// Lock rows in ascending product id so two orders over the same products
	// can't deadlock. Items keep request order.
	lockOrder := make([]int, len(req.Items))
	for i := range lockOrder {
		lockOrder[i] = i
	}
	sort.SliceStable(lockOrder, func(a, b int) bool {
		return req.Items[lockOrder[a]].ProductID < req.Items[lockOrder[b]].ProductID
	})

	order := &models.Order{
		UserID:    actor.ID,
		UserEmail: actor.Email,
		Status:    models.StatusPending,
	}

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		items := make([]models.OrderItem, len(req.Items))
		for _, i := range lockOrder {
			line := req.Items[i]
			product, err := s.products.Reserve(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindInsufficientStock {
					s.metrics.ReservationFailures.Inc()
				}
				return err
			}
			items[i] = models.NewOrderItem(product, line.Quantity)
			if err := items[i].CheckAmount(); err != nil {
				return err
			}
		}

		if err := s.orders.Create(ctx, tx, order); err != nil {
			return err
		}
		for i := range items {
			if err := s.orders.InsertItem(ctx, tx, order.ID, &items[i]); err != nil {
				return err
			}
		}

		_, err := s.orders.RecalculateTotal(ctx, tx, order)
		return err
	})
	if err != nil {
		logger.Warn(ctx, s.log, "Order rejected", zap.Int64("user_id", actor.ID), zap.Error(err))
		return nil, fail(span, err)
	}

	s.metrics.OrdersCreated.Inc()
	span.SetAttributes(attribute.Int64("order_id", order.ID))
	logger.Info(ctx, s.log, "Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total_price", order.TotalPrice.StringFixed(2)),
	)

	// the order is committed; a cancelled request must not drop its event
	s.publisher.Publish(context.WithoutCancel(ctx), models.NewOrderCreated(order))

	return order, nil
}

// Cancel moves a PENDING order to CANCELED and returns its stock.
func (s *OrderService) Cancel(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.Cancel")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	order, err := s.transition(ctx, orderID, func(order *models.Order) (statemachine.Transition, error) {
		return statemachine.Cancel(order, actor)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return order, nil
}

// UpdateStatus applies a status change requested by actor.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status string, actor models.Actor) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateStatus")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("status", status),
	)

	order, err := s.transition(ctx, orderID, func(order *models.Order) (statemachine.Transition, error) {
		return statemachine.UpdateStatus(order, status, actor)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return order, nil
}

// transition locks the order, validates the change, releases stock if asked,
// publishes the event and then writes the status. The event is not retracted
// if the status write or commit fails afterwards.
func (s *OrderService) transition(
	ctx context.Context,
	orderID int64,
	decide func(*models.Order) (statemachine.Transition, error),
) (*models.Order, error) {
	var order *models.Order

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		t, err := decide(order)
		if err != nil {
			return err
		}

		if t.ReleaseStock {
			if err := s.releaseItems(ctx, tx, order); err != nil {
				return err
			}
		}

		if event := eventFor(t.Publish, order); event != nil {
			s.publisher.Publish(ctx, event)
		}

		if err := s.orders.UpdateStatus(ctx, tx, order.ID, t.To); err != nil {
			return err
		}
		order.Status = t.To

		logger.Info(ctx, s.log, "Order status changed",
			zap.Int64("order_id", order.ID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func eventFor(t models.EventType, order *models.Order) models.Event {
	switch t {
	case models.EventOrderDelivered:
		return models.NewOrderDelivered(order)
	case models.EventOrderCanceled:
		return models.NewOrderCanceled(order)
	case models.EventOrderCreated:
		return models.NewOrderCreated(order)
	}
	return nil
}

// releaseItems returns every item's quantity to stock. Products deleted since
// the order was placed are skipped.
func (s *OrderService) releaseItems(ctx context.Context, q db.Querier, order *models.Order) error {
	for _, item := range order.Items {
		if err := s.release(ctx, q, order.ID, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *OrderService) release(ctx context.Context, q db.Querier, orderID int64, item models.OrderItem) error {
	err := s.products.Release(ctx, q, item.ProductID, item.Quantity)
	if apperr.KindOf(err) == apperr.KindProductNotFound {
		logger.Warn(ctx, s.log, "Product not found, stock not returned",
			zap.Int64("order_id", orderID),
			zap.Int64("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
		)
		return nil
	}
	return err
}

// GetOrder returns the order if actor owns it or is privileged.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order) {
		return nil, apperr.ErrForbidden
	}
	return order, nil
}

// ListOrders pages through the actor's orders, or everyone's for privileged actors.
func (s *OrderService) ListOrders(ctx context.Context, actor models.Actor, limit, offset int) ([]models.Order, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var userID *int64
	if !actor.IsPrivileged {
		userID = &actor.ID
	}
	return s.orders.List(ctx, userID, limit, offset)
}

// AddItem reserves stock for one more line on a PENDING order.
func (s *OrderService) AddItem(ctx context.Context, orderID int64, actor models.Actor, req models.CreateOrderItemRequest) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.AddItem")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Int64("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	if err := models.ValidateQuantity(req.ProductID, req.Quantity); err != nil {
		return nil, fail(span, err)
	}

	var order *models.Order
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := statemachine.CanModifyItems(order, actor); err != nil {
			return err
		}

		product, err := s.products.Reserve(ctx, tx, req.ProductID, req.Quantity)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInsufficientStock {
				s.metrics.ReservationFailures.Inc()
			}
			return err
		}

		item := models.NewOrderItem(product, req.Quantity)
		if err := item.CheckAmount(); err != nil {
			return err
		}
		if err := s.orders.InsertItem(ctx, tx, order.ID, &item); err != nil {
			return err
		}

		_, err = s.orders.RecalculateTotal(ctx, tx, order)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	logger.Info(ctx, s.log, "Order item added",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", req.ProductID),
		zap.String("total_price", order.TotalPrice.StringFixed(2)),
	)
	return order, nil
}

// RemoveItem deletes a line from a PENDING order and returns its stock. The
// last item can't be removed; cancel the order instead.
func (s *OrderService) RemoveItem(ctx context.Context, orderID, itemID int64, actor models.Actor) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.RemoveItem")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Int64("item_id", itemID),
	)

	var order *models.Order
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := statemachine.CanModifyItems(order, actor); err != nil {
			return err
		}

		if len(order.Items) == 1 && order.Items[0].ID == itemID {
			return apperr.New(apperr.KindEmptyOrder, "can't remove the last item of order %d", order.ID)
		}

		item, err := s.orders.DeleteItem(ctx, tx, order.ID, itemID)
		if err != nil {
			return err
		}
		if err := s.release(ctx, tx, order.ID, *item); err != nil {
			return err
		}

		_, err = s.orders.RecalculateTotal(ctx, tx, order)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	logger.Info(ctx, s.log, "Order item removed",
		zap.Int64("order_id", order.ID),
		zap.Int64("item_id", itemID),
		zap.String("total_price", order.TotalPrice.StringFixed(2)),
	)
	return order, nil
}
