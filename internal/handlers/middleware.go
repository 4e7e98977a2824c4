package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"go.uber.org/zap"
)

// Headers set by the auth layer in front of the services.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
)

const actorKey = "actor"

// privilegedRoles may change any order.
var privilegedRoles = map[string]bool{
	"admin": true,
	"staff": true,
}

// RequireActor rejects requests without an authenticated user id.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"kind":    "UNAUTHENTICATED",
				"message": "missing or invalid " + HeaderUserID,
			}})
			return
		}

		c.Set(actorKey, models.Actor{
			ID:           id,
			Email:        c.GetHeader(HeaderUserEmail),
			IsPrivileged: privilegedRoles[strings.ToLower(c.GetHeader(HeaderUserRole))],
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		return v.(models.Actor)
	}
	return models.Actor{}
}

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// statusFor maps failure kinds to HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidQuantity,
		apperr.KindEmptyOrder,
		apperr.KindInvalidTransition,
		apperr.KindOrderFinalized,
		apperr.KindInvalidStatus,
		apperr.KindMalformedEvent:
		return http.StatusBadRequest
	case apperr.KindInsufficientStock:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindProductNotFound,
		apperr.KindOrderNotFound,
		apperr.KindItemNotFound,
		apperr.KindNotificationNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"kind":    "INTERNAL",
			"message": "internal error",
		}})
		return
	}

	body := gin.H{"kind": kind, "message": err.Error()}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["message"] = e.Message
		if e.Available != nil {
			body["available"] = *e.Available
		}
	}

	c.JSON(statusFor(kind), gin.H{"error": body})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "BAD_REQUEST", "message": message}})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+param)
		return 0, false
	}
	return id, true
}
