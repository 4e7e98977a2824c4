package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "api-gateway")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resolver Resolver
	if cfg.Consul.Enabled {
		consul, err := discovery.NewConsulClient(cfg.Consul.Host, cfg.Consul.Port, zlog)
		if err != nil {
			zlog.Warn("Failed to connect to Consul, using static upstreams", zap.Error(err))
		} else {
			resolver = consul
		}
	}

	gateway := NewGateway(resolver, map[string]string{
		productService: cfg.Gateway.ProductServiceURL,
		orderService:   cfg.Gateway.OrderServiceURL,
	}, []byte(cfg.Gateway.AccessSecret), zlog)
	if cfg.Gateway.AccessSecret == "" {
		zlog.Warn("ACCESS_SECRET is empty, bearer tokens will be rejected")
	}
	if resolver != nil {
		go gateway.Watch(ctx, cfg.Gateway.RefreshInterval)
	}

	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(zlog))
	gateway.Register(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		zlog.Info("API Gateway starting", zap.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("API Gateway stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed", zap.Error(err))
	}
}
