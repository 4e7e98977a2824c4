package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
)

// Claims carried by an access token.
type Claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var errNoSecret = errors.New("token verification is not configured")

func validateToken(tokenString string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authenticate replaces any identity headers the caller sent with the
// ones derived from a verified bearer token. Requests without a token go
// upstream anonymous.
func (g *Gateway) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Request.Header
		h.Del(handlers.HeaderUserID)
		h.Del(handlers.HeaderUserEmail)
		h.Del(handlers.HeaderUserRole)

		authHeader := h.Get("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := validateToken(token, g.secret)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		h.Set(handlers.HeaderUserID, strconv.FormatInt(claims.UserID, 10))
		h.Set(handlers.HeaderUserEmail, claims.Email)
		h.Set(handlers.HeaderUserRole, claims.Role)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"kind":    "UNAUTHENTICATED",
		"message": message,
	}})
}
