package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.uber.org/zap"
)

type NotificationStore interface {
	ListByUser(ctx context.Context, userID int64, isRead *bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
}

type NotificationHandler struct {
	store NotificationStore
	log   *zap.Logger
}

func NewNotificationHandler(store NotificationStore, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, log: log}
}

// Register mounts the notification routes behind RequireActor. Every
// route only sees the caller's own notifications.
func (h *NotificationHandler) Register(r gin.IRouter) {
	notifications := r.Group("/notifications", RequireActor())
	notifications.GET("", h.List)
	notifications.GET("/unread-count", h.UnreadCount)
	notifications.PATCH("/read-all", h.MarkAllRead)
	notifications.PATCH("/:id/read", h.MarkRead)
}

// List returns the caller's notifications, optionally filtered by
// ?is_read=true|false. Other values of is_read are ignored.
func (h *NotificationHandler) List(c *gin.Context) {
	var isRead *bool
	switch c.Query("is_read") {
	case "true":
		v := true
		isRead = &v
	case "false":
		v := false
		isRead = &v
	}

	notifications, err := h.store.ListByUser(c.Request.Context(), actorFrom(c).ID, isRead)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.store.MarkRead(c.Request.Context(), actorFrom(c).ID, id); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Marked as read"})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	updated, err := h.store.MarkAllRead(c.Request.Context(), actorFrom(c).ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	count, err := h.store.CountUnread(c.Request.Context(), actorFrom(c).ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}
