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

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/telemetry"
)

const serviceName = "product-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.App.Env, cfg.App.LogLevel, serviceName)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("Product service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, serviceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	// Connect to PostgreSQL
	database, err := db.NewPostgresDB(ctx, cfg.Postgres.DSN(), zlog)
	if err != nil {
		return err
	}
	defer database.Close()

	// Connect to Redis
	redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.CacheTTL, zlog)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	// Create repositories
	productRepo := db.NewProductRepository(database)
	cachedRepo := db.NewCachedProductRepository(productRepo, redisCache, zlog)

	productHandler := handlers.NewProductHandler(cachedRepo, zlog)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(zlog))

	router.GET("/health", productHandler.HealthCheck)
	productHandler.Register(router)

	if cfg.Consul.Enabled {
		consul, err := discovery.NewConsulClient(cfg.Consul.Host, cfg.Consul.Port, zlog)
		if err != nil {
			return err
		}

		serviceID := fmt.Sprintf("%s-%d", serviceName, cfg.HTTP.Port)
		err = consul.Register(ctx, discovery.Registration{
			Name:    serviceName,
			ID:      serviceID,
			Address: cfg.Consul.AdvertiseAddr,
			Port:    cfg.HTTP.Port,
			Tags:    []string{"api", "products"},
		})
		if err != nil {
			return err
		}
		// Deregister on shutdown
		defer consul.Deregister(context.Background(), serviceID)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("Product service starting", zap.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		zlog.Info("Shutting down...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
