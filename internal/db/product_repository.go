package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const productColumns = "id, name, price, stock_quantity, created_at, updated_at"

// ProductRepository is the inventory store. Stock changes are single
// conditional statements so that concurrent reservations serialize on the
// row lock in Postgres, across processes, without application locks.
type ProductRepository struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewProductRepository(database *PostgresDB) *ProductRepository {
	return &ProductRepository{
		db:     database.Conn,
		tracer: otel.Tracer("db/product_repository"),
	}
}

func scanProduct(row interface{ Scan(...any) error }, p *models.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
}

// Reserve decrements stock by quantity iff enough is available at the
// instant of the write, and returns the product as it is after the write so
// callers can snapshot its price. On a miss the stock is re-read and
// reported in the INSUFFICIENT_STOCK error.
func (r *ProductRepository) Reserve(ctx context.Context, q Querier, productID int64, quantity int) (*models.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.Int("quantity", quantity),
	)

	if err := models.ValidateQuantity(productID, quantity); err != nil {
		return nil, err
	}

	query := `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2
		RETURNING ` + productColumns

	var p models.Product
	err := scanProduct(q.QueryRowContext(ctx, query, productID, quantity), &p)
	if err == nil {
		return &p, nil
	}
	if !isNoRows(err) {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}

	var available int
	err = q.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&available)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindProductNotFound, "product %d not found", productID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read stock for product %d: %w", productID, err)
	}

	span.SetAttributes(attribute.Int("available", available))
	return nil, apperr.InsufficientStock(productID, available)
}

// Release returns quantity to stock. It has no upper bound.
func (r *ProductRepository) Release(ctx context.Context, q Querier, productID int64, quantity int) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Release")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.Int("quantity", quantity),
	)

	if quantity <= 0 {
		return apperr.New(apperr.KindInvalidQuantity, "quantity must be positive, got %d", quantity)
	}

	query := `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := q.ExecContext(ctx, query, productID, quantity)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to release stock for product %d: %w", productID, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.New(apperr.KindProductNotFound, "product %d not found", productID)
	}

	return nil
}

// GetAll returns all products
func (r *ProductRepository) GetAll(ctx context.Context) ([]models.Product, error) {
	query := "SELECT " + productColumns + " FROM products ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := scanProduct(rows, &p); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

// GetByID returns a single product
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("product_id", id))

	query := "SELECT " + productColumns + " FROM products WHERE id = $1"

	var p models.Product
	err := scanProduct(r.db.QueryRowContext(ctx, query, id), &p)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindProductNotFound, "product %d not found", id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	return &p, nil
}

// Create inserts a new product
func (r *ProductRepository) Create(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	if req.StockQuantity < 0 {
		return nil, apperr.New(apperr.KindInvalidQuantity, "stock_quantity can't be negative")
	}

	query := `
		INSERT INTO products (name, price, stock_quantity)
		VALUES ($1, $2, $3)
		RETURNING ` + productColumns

	var p models.Product
	if err := scanProduct(r.db.QueryRowContext(ctx, query, req.Name, req.Price, req.StockQuantity), &p); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	return &p, nil
}

// Delete removes a product
func (r *ProductRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperr.New(apperr.KindProductNotFound, "product %d not found", id)
	}

	return nil
}
