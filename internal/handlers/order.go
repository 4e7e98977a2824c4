package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.uber.org/zap"
)

type OrderService interface {
	CreateOrder(ctx context.Context, actor models.Actor, req models.CreateOrderRequest) (*models.Order, error)
	Cancel(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status string, actor models.Actor) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error)
	ListOrders(ctx context.Context, actor models.Actor, limit, offset int) ([]models.Order, error)
	AddItem(ctx context.Context, orderID int64, actor models.Actor, req models.CreateOrderItemRequest) (*models.Order, error)
	RemoveItem(ctx context.Context, orderID, itemID int64, actor models.Actor) (*models.Order, error)
}

type OrderHandler struct {
	service OrderService
	log     *zap.Logger
}

func NewOrderHandler(service OrderService, log *zap.Logger) *OrderHandler {
	return &OrderHandler{
		service: service,
		log:     log,
	}
}

// Register mounts the order routes behind RequireActor.
func (h *OrderHandler) Register(r gin.IRouter) {
	orders := r.Group("/orders", RequireActor())
	orders.GET("", h.ListOrders)
	orders.GET("/:id", h.GetOrder)
	orders.POST("", h.CreateOrder)
	orders.POST("/:id/cancel", h.CancelOrder)
	orders.PATCH("/:id/status", h.UpdateOrderStatus)
	orders.POST("/:id/items", h.AddItem)
	orders.DELETE("/:id/items/:itemId", h.RemoveItem)
}

// HealthCheck returns server status
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "order-service"})
}

// ListOrders returns a page of the caller's orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	orders, err := h.service.ListOrders(c.Request.Context(), actorFrom(c), limit, offset)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// GetOrder returns a single order with items
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	order, err := h.service.GetOrder(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// CreateOrder creates a new order
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// CancelOrder cancels a pending order
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	order, err := h.service.Cancel(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// UpdateOrderStatus updates the order status
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.service.UpdateStatus(c.Request.Context(), id, req.Status, actorFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// AddItem adds a line to a pending order
func (h *OrderHandler) AddItem(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.CreateOrderItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.service.AddItem(c.Request.Context(), id, actorFrom(c), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// RemoveItem deletes a line from a pending order
func (h *OrderHandler) RemoveItem(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	itemID, ok := parseID(c, "itemId")
	if !ok {
		return
	}

	order, err := h.service.RemoveItem(c.Request.Context(), id, itemID, actorFrom(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}
