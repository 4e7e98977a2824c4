package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
)

var testSecret = []byte("gateway-test-secret")

type staticResolver struct {
	urls map[string]string
}

func (s staticResolver) GetServiceURL(name string) (string, error) {
	u, ok := s.urls[name]
	if !ok {
		return "", errors.New("no healthy instances")
	}
	return u, nil
}

// upstream answers every request and echoes the identity headers it saw.
func upstream(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Seen-User-ID", r.Header.Get(handlers.HeaderUserID))
		w.Header().Set("X-Seen-User-Role", r.Header.Get(handlers.HeaderUserRole))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// serve runs the gateway on a real listener; the reverse proxy needs a
// response writer that supports close notification.
func serve(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func send(t *testing.T, method, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Minute))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestGatewayRoutesToResolvedAndFallbackUpstreams(t *testing.T) {
	products := upstream(t, productService)
	orders := upstream(t, orderService)

	gw := serve(t, NewGateway(
		staticResolver{urls: map[string]string{productService: products.URL}},
		map[string]string{orderService: orders.URL},
		testSecret,
		zap.NewNop(),
	))

	for path, want := range map[string]string{
		"/products/1":      productService,
		"/orders":          orderService,
		"/orders/3/cancel": orderService,
		"/notifications":   orderService,
	} {
		resp := send(t, http.MethodGet, gw.URL+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, resp.Header.Get("X-Upstream"), path)
	}

	resp := send(t, http.MethodGet, gw.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), `"status":"healthy"`)
}

func TestGatewayWithoutUpstream(t *testing.T) {
	gw := serve(t, NewGateway(nil, map[string]string{}, testSecret, zap.NewNop()))

	resp := send(t, http.MethodGet, gw.URL+"/orders", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body(t, resp), "UPSTREAM_UNAVAILABLE")
}

func TestGatewayUnreachableUpstream(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	gw := serve(t, NewGateway(nil, map[string]string{orderService: dead.URL}, testSecret, zap.NewNop()))

	resp := send(t, http.MethodGet, gw.URL+"/orders", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = send(t, http.MethodGet, gw.URL+"/health", nil)
	assert.Contains(t, body(t, resp), `"status":"degraded"`)
}

func TestGatewayDropsCallerIdentityHeaders(t *testing.T) {
	orders := upstream(t, orderService)
	gw := serve(t, NewGateway(nil, map[string]string{orderService: orders.URL}, testSecret, zap.NewNop()))

	resp := send(t, http.MethodPatch, gw.URL+"/orders/1/status", map[string]string{
		handlers.HeaderUserID:   "999",
		handlers.HeaderUserRole: "admin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Seen-User-ID"))
	assert.Empty(t, resp.Header.Get("X-Seen-User-Role"))
}

func TestGatewayDerivesIdentityFromToken(t *testing.T) {
	orders := upstream(t, orderService)
	gw := serve(t, NewGateway(nil, map[string]string{orderService: orders.URL}, testSecret, zap.NewNop()))

	token := signToken(t, testSecret, Claims{UserID: 42, Email: "buyer@example.com", Role: "customer"})
	resp := send(t, http.MethodGet, gw.URL+"/orders", map[string]string{
		"Authorization":         "Bearer " + token,
		handlers.HeaderUserRole: "admin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("X-Seen-User-ID"))
	assert.Equal(t, "customer", resp.Header.Get("X-Seen-User-Role"))
}

func TestGatewayRejectsBadTokens(t *testing.T) {
	orders := upstream(t, orderService)
	gw := serve(t, NewGateway(nil, map[string]string{orderService: orders.URL}, testSecret, zap.NewNop()))

	expired := signToken(t, testSecret, Claims{
		UserID:           42,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})

	for name, header := range map[string]string{
		"wrong secret": "Bearer " + signToken(t, []byte("other-secret"), Claims{UserID: 42}),
		"expired":      "Bearer " + expired,
		"no user":      "Bearer " + signToken(t, testSecret, Claims{}),
		"bad scheme":   "Basic " + strings.Repeat("x", 8),
	} {
		resp := send(t, http.MethodGet, gw.URL+"/orders", map[string]string{"Authorization": header})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		assert.Empty(t, resp.Header.Get("X-Upstream"), name)
	}
}

func TestGatewayWithoutSecretRejectsTokens(t *testing.T) {
	orders := upstream(t, orderService)
	gw := serve(t, NewGateway(nil, map[string]string{orderService: orders.URL}, nil, zap.NewNop()))

	token := signToken(t, testSecret, Claims{UserID: 42})
	resp := send(t, http.MethodGet, gw.URL+"/orders", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
