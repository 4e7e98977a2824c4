package models

import "time"

type NotificationType string

const (
	NotificationOrder     NotificationType = "order"
	NotificationSystem    NotificationType = "system"
	NotificationPromotion NotificationType = "promotion"
	NotificationOther     NotificationType = "other"
)

type Notification struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// Actor is the authenticated caller as supplied by the auth layer.
type Actor struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	IsPrivileged bool   `json:"is_privileged"`
}

// CanAccess reports whether the actor may act on the order at all.
func (a Actor) CanAccess(o *Order) bool {
	return a.IsPrivileged || o.IsOwnedBy(a)
}
