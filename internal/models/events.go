package models

import (
	"encoding/json"
	"fmt"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
)

type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderDelivered EventType = "ORDER_DELIVERED"
	EventOrderCanceled  EventType = "ORDER_CANCELED"
)

// Event is a fact about an order lifecycle transition. The set of
// implementations is closed: OrderCreated, OrderDelivered, OrderCanceled.
type Event interface {
	Type() EventType
	Ref() EventRef
	isEvent()
}

// EventRef is the denormalized data every event carries.
type EventRef struct {
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Email   string `json:"email"`
}

type OrderItemEvent struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type OrderCreated struct {
	EventRef
	Items []OrderItemEvent
}

type OrderDelivered struct {
	EventRef
}

type OrderCanceled struct {
	EventRef
	Items []OrderItemEvent
}

func (OrderCreated) Type() EventType   { return EventOrderCreated }
func (OrderDelivered) Type() EventType { return EventOrderDelivered }
func (OrderCanceled) Type() EventType  { return EventOrderCanceled }

func (e OrderCreated) Ref() EventRef   { return e.EventRef }
func (e OrderDelivered) Ref() EventRef { return e.EventRef }
func (e OrderCanceled) Ref() EventRef  { return e.EventRef }

func (OrderCreated) isEvent()   {}
func (OrderDelivered) isEvent() {}
func (OrderCanceled) isEvent()  {}

// orderEvent is the wire shape on the order-events topic.
type orderEvent struct {
	EventType EventType        `json:"event_type"`
	OrderID   int64            `json:"order_id"`
	UserID    int64            `json:"user_id"`
	Email     string           `json:"email"`
	Items     []OrderItemEvent `json:"items,omitempty"`
}

func NewOrderCreated(order *Order) OrderCreated {
	return OrderCreated{EventRef: refFor(order), Items: itemsFor(order)}
}

func NewOrderDelivered(order *Order) OrderDelivered {
	return OrderDelivered{EventRef: refFor(order)}
}

func NewOrderCanceled(order *Order) OrderCanceled {
	return OrderCanceled{EventRef: refFor(order), Items: itemsFor(order)}
}

// refFor addresses the event to the order's owner, whoever triggered it.
func refFor(order *Order) EventRef {
	return EventRef{OrderID: order.ID, UserID: order.UserID, Email: order.UserEmail}
}

func itemsFor(order *Order) []OrderItemEvent {
	items := make([]OrderItemEvent, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemEvent{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return items
}

// EncodeEvent serializes an event into the wire schema.
func EncodeEvent(e Event) ([]byte, error) {
	ref := e.Ref()
	wire := orderEvent{
		EventType: e.Type(),
		OrderID:   ref.OrderID,
		UserID:    ref.UserID,
		Email:     ref.Email,
	}

	switch ev := e.(type) {
	case OrderCreated:
		wire.Items = ev.Items
	case OrderCanceled:
		wire.Items = ev.Items
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a message body into its typed variant. Every failure is
// a MALFORMED_EVENT.
func DecodeEvent(data []byte) (Event, error) {
	var wire orderEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedEvent, err, "invalid JSON")
	}

	if wire.OrderID <= 0 {
		return nil, apperr.New(apperr.KindMalformedEvent, "missing order_id")
	}

	ref := EventRef{OrderID: wire.OrderID, UserID: wire.UserID, Email: wire.Email}

	switch wire.EventType {
	case EventOrderCreated:
		if len(wire.Items) == 0 {
			return nil, apperr.New(apperr.KindMalformedEvent, "%s without items", wire.EventType)
		}
		return OrderCreated{EventRef: ref, Items: wire.Items}, nil
	case EventOrderDelivered:
		return OrderDelivered{EventRef: ref}, nil
	case EventOrderCanceled:
		return OrderCanceled{EventRef: ref, Items: wire.Items}, nil
	default:
		return nil, apperr.New(apperr.KindMalformedEvent, "unknown event_type %q", wire.EventType)
	}
}
