package models

import (
	"strings"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/shopspring/decimal"
)

// MaxItemQuantity caps a single line so quantities stay well inside the
// INTEGER columns.
const MaxItemQuantity = 1_000_000

// MaxAmount is the largest line or order total the NUMERIC(12, 2) columns hold.
var MaxAmount = decimal.RequireFromString("9999999999.99")

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCanceled   OrderStatus = "canceled"
	StatusReturned   OrderStatus = "returned"
)

var allStatuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCanceled,
	StatusReturned,
}

// ParseStatus accepts any casing ("DELIVERED", "delivered").
func ParseStatus(s string) (OrderStatus, bool) {
	v := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == v {
			return v, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCanceled
}

type Order struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	UserEmail  string          `json:"user_email"`
	Status     OrderStatus     `json:"status"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Items      []OrderItem     `json:"items"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OrderItem prices are snapshotted when the item is created and never re-priced.
// UnitPrice is product price times quantity at that instant.
type OrderItem struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order_id"`
	ProductID    int64           `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Quantity     int             `json:"quantity"`
	ProductPrice decimal.Decimal `json:"product_price"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewOrderItem snapshots the product price for quantity units.
func NewOrderItem(p *Product, quantity int) OrderItem {
	return OrderItem{
		ProductID:    p.ID,
		ProductName:  p.Name,
		Quantity:     quantity,
		ProductPrice: p.Price,
		UnitPrice:    p.Price.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// ValidateQuantity rejects quantities outside 1..MaxItemQuantity.
func ValidateQuantity(productID int64, quantity int) error {
	if quantity <= 0 {
		return apperr.New(apperr.KindInvalidQuantity,
			"quantity for product %d must be positive, got %d", productID, quantity)
	}
	if quantity > MaxItemQuantity {
		return apperr.New(apperr.KindInvalidQuantity,
			"quantity for product %d must be at most %d, got %d", productID, MaxItemQuantity, quantity)
	}
	return nil
}

// CheckAmount reports an INVALID_QUANTITY error when the line total no
// longer fits MaxAmount.
func (i OrderItem) CheckAmount() error {
	if i.UnitPrice.GreaterThan(MaxAmount) {
		return apperr.New(apperr.KindInvalidQuantity,
			"total for product %d exceeds %s", i.ProductID, MaxAmount.StringFixed(2))
	}
	return nil
}

// CheckTotal is CheckAmount for the whole order.
func (o *Order) CheckTotal() error {
	if o.TotalPrice.GreaterThan(MaxAmount) {
		return apperr.New(apperr.KindInvalidQuantity, "order total exceeds %s", MaxAmount.StringFixed(2))
	}
	return nil
}

// Subtotal is the item's contribution to the order total.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice
}

// RecalculateTotal re-derives TotalPrice from the current item set.
// Every code path that adds or removes items must call it.
func (o *Order) RecalculateTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	o.TotalPrice = total
	return total
}

// IsOwnedBy reports whether the actor placed the order.
func (o *Order) IsOwnedBy(a Actor) bool {
	return o.UserID == a.ID
}

type CreateOrderRequest struct {
	Items []CreateOrderItemRequest `json:"items"`
}

type CreateOrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}
