// Package statemachine holds the order status transition rules. It performs
// no I/O; callers persist the outcome and publish the events it asks for.
package statemachine

import (
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// Transition is the validated result of a status change request.
type Transition struct {
	From models.OrderStatus
	To   models.OrderStatus
	// Publish is the event kind that must go out before the write is persisted, or "".
	Publish models.EventType
	// ReleaseStock is set when the order's reservations have to be returned.
	ReleaseStock bool
}

// unprivileged callers may only move their own orders into these.
var ownerStatuses = map[models.OrderStatus]bool{
	models.StatusCanceled: true,
	models.StatusReturned: true,
}

// Cancel is permitted only from PENDING.
func Cancel(order *models.Order, actor models.Actor) (Transition, error) {
	if !actor.CanAccess(order) {
		return Transition{}, apperr.ErrForbidden
	}

	if order.Status != models.StatusPending {
		return Transition{}, apperr.New(apperr.KindInvalidTransition,
			"can't cancel order %d in status %s", order.ID, order.Status)
	}

	return Transition{
		From:         order.Status,
		To:           models.StatusCanceled,
		Publish:      models.EventOrderCanceled,
		ReleaseStock: true,
	}, nil
}

// UpdateStatus validates a status change. Privileged callers may set any
// status; owners only CANCELED or RETURNED. Terminal orders never change.
func UpdateStatus(order *models.Order, rawStatus string, actor models.Actor) (Transition, error) {
	if !actor.CanAccess(order) {
		return Transition{}, apperr.ErrForbidden
	}

	next, ok := models.ParseStatus(rawStatus)
	if !ok {
		return Transition{}, apperr.New(apperr.KindInvalidStatus, "unknown order status %q", rawStatus)
	}

	if !actor.IsPrivileged && !ownerStatuses[next] {
		return Transition{}, apperr.ErrForbidden
	}

	if order.Status.IsTerminal() {
		return Transition{}, apperr.New(apperr.KindOrderFinalized,
			"order %d is already %s", order.ID, order.Status)
	}

	t := Transition{From: order.Status, To: next}
	switch next {
	case models.StatusDelivered:
		t.Publish = models.EventOrderDelivered
	case models.StatusCanceled:
		t.Publish = models.EventOrderCanceled
		t.ReleaseStock = true
	}

	return t, nil
}

// CanModifyItems reports whether line items may still be added or removed.
func CanModifyItems(order *models.Order, actor models.Actor) error {
	if !actor.CanAccess(order) {
		return apperr.ErrForbidden
	}
	if order.Status.IsTerminal() {
		return apperr.New(apperr.KindOrderFinalized, "order %d is already %s", order.ID, order.Status)
	}
	if order.Status != models.StatusPending {
		return apperr.New(apperr.KindInvalidTransition,
			"items of order %d can't change in status %s", order.ID, order.Status)
	}
	return nil
}
