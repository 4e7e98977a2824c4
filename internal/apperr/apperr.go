// Package apperr defines the failures the order pipeline reports to callers.
// Each failure carries a stable Kind that clients can match on.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidQuantity      Kind = "INVALID_QUANTITY"
	KindInsufficientStock    Kind = "INSUFFICIENT_STOCK"
	KindEmptyOrder           Kind = "EMPTY_ORDER"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindOrderFinalized       Kind = "ORDER_FINALIZED"
	KindForbidden            Kind = "FORBIDDEN"
	KindProductNotFound      Kind = "PRODUCT_NOT_FOUND"
	KindOrderNotFound        Kind = "ORDER_NOT_FOUND"
	KindItemNotFound         Kind = "ITEM_NOT_FOUND"
	KindNotificationNotFound Kind = "NOTIFICATION_NOT_FOUND"
	KindInvalidStatus        Kind = "INVALID_STATUS"
	KindPublishFailure       Kind = "PUBLISH_FAILURE"
	KindMalformedEvent       Kind = "MALFORMED_EVENT"
)

type Error struct {
	Kind    Kind
	Message string
	// Available is set for INSUFFICIENT_STOCK: the stock re-read after the failed reservation.
	Available *int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidQuantity      = &Error{Kind: KindInvalidQuantity, Message: "quantity must be positive"}
	ErrInsufficientStock    = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrEmptyOrder           = &Error{Kind: KindEmptyOrder, Message: "order must contain at least one item"}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition, Message: "transition not permitted"}
	ErrOrderFinalized       = &Error{Kind: KindOrderFinalized, Message: "order is delivered or canceled"}
	ErrForbidden            = &Error{Kind: KindForbidden, Message: "you don't have permission to change this order"}
	ErrProductNotFound      = &Error{Kind: KindProductNotFound, Message: "product not found"}
	ErrOrderNotFound        = &Error{Kind: KindOrderNotFound, Message: "order not found"}
	ErrItemNotFound         = &Error{Kind: KindItemNotFound, Message: "order item not found"}
	ErrNotificationNotFound = &Error{Kind: KindNotificationNotFound, Message: "notification not found"}
	ErrInvalidStatus        = &Error{Kind: KindInvalidStatus, Message: "unknown order status"}
	ErrPublishFailure       = &Error{Kind: KindPublishFailure, Message: "event delivery failed"}
	ErrMalformedEvent       = &Error{Kind: KindMalformedEvent, Message: "malformed event"}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InsufficientStock(productID int64, available int) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for product %d: only %d left", productID, available),
		Available: &available,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
