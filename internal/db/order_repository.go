package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	orderColumns = "id, user_id, user_email, status, total_price, created_at, updated_at"
	itemColumns  = "id, order_id, product_id, product_name, quantity, product_price, unit_price, created_at"
)

type OrderRepository struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewOrderRepository(database *PostgresDB) *OrderRepository {
	return &OrderRepository{
		db:     database.Conn,
		tracer: otel.Tracer("db/order_repository"),
	}
}

// DB exposes the pool so callers can open transactions spanning repositories.
func (r *OrderRepository) DB() *sql.DB {
	return r.db
}

func scanOrder(row interface{ Scan(...any) error }, o *models.Order) error {
	return row.Scan(&o.ID, &o.UserID, &o.UserEmail, &o.Status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt)
}

func scanItem(row interface{ Scan(...any) error }, i *models.OrderItem) error {
	return row.Scan(&i.ID, &i.OrderID, &i.ProductID, &i.ProductName, &i.Quantity,
		&i.ProductPrice, &i.UnitPrice, &i.CreatedAt)
}

// Create inserts the order row with a zero total. Items are inserted
// separately and the total is set by RecalculateTotal.
func (r *OrderRepository) Create(ctx context.Context, q Querier, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, user_email, status, total_price)
		VALUES ($1, $2, $3, 0)
		RETURNING ` + orderColumns

	if err := scanOrder(q.QueryRowContext(ctx, query, order.UserID, order.UserEmail, order.Status), order); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// InsertItem persists one line item of orderID.
func (r *OrderRepository) InsertItem(ctx context.Context, q Querier, orderID int64, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, quantity, product_price, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + itemColumns

	row := q.QueryRowContext(ctx, query,
		orderID,
		item.ProductID,
		item.ProductName,
		item.Quantity,
		item.ProductPrice,
		item.UnitPrice,
	)
	if err := scanItem(row, item); err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

// DeleteItem removes one line item and returns it so the caller can release its stock.
func (r *OrderRepository) DeleteItem(ctx context.Context, q Querier, orderID, itemID int64) (*models.OrderItem, error) {
	query := `DELETE FROM order_items WHERE id = $1 AND order_id = $2 RETURNING ` + itemColumns

	var item models.OrderItem
	err := scanItem(q.QueryRowContext(ctx, query, itemID, orderID), &item)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindItemNotFound, "item %d not found in order %d", itemID, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete order item: %w", err)
	}
	return &item, nil
}

// GetForUpdate loads the order with its items and locks the order row until
// the transaction ends, so concurrent status changes on one order serialize.
func (r *OrderRepository) GetForUpdate(ctx context.Context, q Querier, id int64) (*models.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetForUpdate")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", id))

	return r.get(ctx, q, id, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE")
}

// GetByID returns a single order with items
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", id))

	return r.get(ctx, r.db, id, "SELECT "+orderColumns+" FROM orders WHERE id = $1")
}

func (r *OrderRepository) get(ctx context.Context, q Querier, id int64, query string) (*models.Order, error) {
	var order models.Order
	err := scanOrder(q.QueryRowContext(ctx, query, id), &order)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindOrderNotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := r.items(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

func (r *OrderRepository) items(ctx context.Context, q Querier, orderID int64) ([]models.OrderItem, error) {
	query := "SELECT " + itemColumns + " FROM order_items WHERE order_id = $1 ORDER BY id"

	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		if err := scanItem(rows, &item); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// List returns orders newest first. A nil userID lists every user's orders.
func (r *OrderRepository) List(ctx context.Context, userID *int64, limit, offset int) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders"
	args := []any{}
	if userID != nil {
		query += " WHERE user_id = $1"
		args = append(args, *userID)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.items(ctx, r.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// UpdateStatus updates order status
func (r *OrderRepository) UpdateStatus(ctx context.Context, q Querier, id int64, status models.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := q.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.New(apperr.KindOrderNotFound, "order %d not found", id)
	}

	return nil
}

// RecalculateTotal re-derives total_price from the items currently stored
// for the order and persists it. It never patches the previous total.
func (r *OrderRepository) RecalculateTotal(ctx context.Context, q Querier, order *models.Order) (decimal.Decimal, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.RecalculateTotal")
	defer span.End()

	items, err := r.items(ctx, q, order.ID)
	if err != nil {
		return decimal.Zero, err
	}
	order.Items = items
	total := order.RecalculateTotal()
	if err := order.CheckTotal(); err != nil {
		return decimal.Zero, err
	}

	query := `UPDATE orders SET total_price = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at`
	if err := q.QueryRowContext(ctx, query, total, order.ID).Scan(&order.UpdatedAt); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update order total: %w", err)
	}

	span.SetAttributes(attribute.String("total_price", total.String()))
	return total, nil
}
