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
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/discovery"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/handlers"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/publisher"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/service"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/telemetry"
	"go.uber.org/zap"
)

const serviceName = "order-service"

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
		zlog.Fatal("Order service stopped with error", zap.Error(err))
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

	if cfg.Postgres.Migrate {
		if err := database.Migrate(); err != nil {
			return err
		}
		zlog.Info("Migrations applied")
	}

	// Connect to the broker; owned here and closed on shutdown
	broker, err := messaging.Connect(cfg.Broker, zlog)
	if err != nil {
		return err
	}
	defer broker.Close()

	reg := metrics.NewRegistry()
	orderPublisher := publisher.NewOrderPublisher(broker, cfg.Broker.Topic, cfg.Publisher, reg, zlog)

	orderRepo := db.NewOrderRepository(database)
	productRepo := db.NewProductRepository(database)
	orderService := service.NewOrderService(orderRepo, productRepo, orderPublisher, reg, zlog)
	orderHandler := handlers.NewOrderHandler(orderService, zlog)
	notificationHandler := handlers.NewNotificationHandler(db.NewNotificationRepository(database), zlog)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(zlog))

	router.GET("/health", orderHandler.HealthCheck)
	router.GET("/metrics", gin.WrapH(reg.Handler()))
	orderHandler.Register(router)
	notificationHandler.Register(router)

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
			Tags:    []string{"api", "orders"},
		})
		if err != nil {
			return err
		}
		defer consul.Deregister(context.Background(), serviceID)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("Order service starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("broker", cfg.Broker.Kind),
			zap.String("topic", cfg.Broker.Topic),
		)
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
