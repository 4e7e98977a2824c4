package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	productService = "product-service"
	orderService   = "order-service"
)

// Resolver looks up a healthy instance URL for a service name.
type Resolver interface {
	GetServiceURL(serviceName string) (string, error)
}

type Gateway struct {
	resolver  Resolver
	fallbacks map[string]string
	secret    []byte
	log       *zap.Logger

	mutex    sync.RWMutex
	proxies  map[string]*httputil.ReverseProxy
	services map[string]string
}

// NewGateway builds routes from resolver, falling back to the static
// upstreams in fallbacks. resolver may be nil. Access tokens are verified
// with secret.
func NewGateway(resolver Resolver, fallbacks map[string]string, secret []byte, log *zap.Logger) *Gateway {
	g := &Gateway{
		resolver:  resolver,
		fallbacks: fallbacks,
		secret:    secret,
		log:       log,
		proxies:   make(map[string]*httputil.ReverseProxy),
		services:  make(map[string]string),
	}
	g.discoverServices()
	return g
}

func (g *Gateway) discoverServices() {
	for _, svc := range []string{productService, orderService} {
		target := g.fallbacks[svc]
		if g.resolver != nil {
			resolved, err := g.resolver.GetServiceURL(svc)
			if err != nil {
				g.log.Warn("Service not found in Consul, using fallback",
					zap.String("service", svc),
					zap.String("fallback", target),
					zap.Error(err),
				)
			} else {
				target = resolved
			}
		}
		if target == "" {
			continue
		}
		g.updateProxy(svc, target)
	}
}

func (g *Gateway) updateProxy(serviceName, serviceURL string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.services[serviceName] == serviceURL {
		return
	}

	target, err := url.Parse(serviceURL)
	if err != nil {
		g.log.Error("Invalid upstream URL", zap.String("service", serviceName), zap.Error(err))
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.log.Error("Proxy error", zap.String("service", serviceName), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":{"kind":"UPSTREAM_UNAVAILABLE","message":"service unavailable"}}`)
	}

	g.proxies[serviceName] = proxy
	g.services[serviceName] = serviceURL
	g.log.Info("Updated route", zap.String("service", serviceName), zap.String("url", serviceURL))
}

// Watch re-resolves upstreams every interval until ctx is done.
func (g *Gateway) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.discoverServices()
		}
	}
}

func (g *Gateway) getProxy(serviceName string) *httputil.ReverseProxy {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.proxies[serviceName]
}

func (g *Gateway) proxyTo(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy := g.getProxy(serviceName)
		if proxy == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
				"kind":    "UPSTREAM_UNAVAILABLE",
				"message": serviceName + " unavailable",
			}})
			return
		}
		g.log.Debug("Routing request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("service", serviceName),
		)
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

func (g *Gateway) HealthCheck(c *gin.Context) {
	g.mutex.RLock()
	upstreams := make(map[string]string, len(g.services))
	for name, u := range g.services {
		upstreams[name] = u
	}
	g.mutex.RUnlock()

	statuses := make(map[string]string)
	allHealthy := true

	client := &http.Client{Timeout: 2 * time.Second}

	for name, u := range upstreams {
		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, u+"/health", nil)
		if err != nil {
			statuses[name] = "unhealthy"
			allHealthy = false
			continue
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			statuses[name] = "unhealthy"
			allHealthy = false
		} else {
			statuses[name] = "healthy"
		}
		if resp != nil {
			resp.Body.Close()
		}
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"service":  "api-gateway",
		"services": statuses,
	})
}

func (g *Gateway) ListServices(c *gin.Context) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	c.JSON(http.StatusOK, gin.H{"services": g.services})
}

// Register mounts the gateway routes on r. Proxied routes go through
// authenticate first.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/health", g.HealthCheck)
	r.GET("/services", g.ListServices)

	api := r.Group("", g.authenticate())
	api.Any("/products", g.proxyTo(productService))
	api.Any("/products/*path", g.proxyTo(productService))
	api.Any("/orders", g.proxyTo(orderService))
	api.Any("/orders/*path", g.proxyTo(orderService))
	api.Any("/notifications", g.proxyTo(orderService))
	api.Any("/notifications/*path", g.proxyTo(orderService))
}
