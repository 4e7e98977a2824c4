package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/consumer"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/email"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/messaging"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/metrics"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/telemetry"
	"go.uber.org/zap"
)

const serviceName = "order-consumer"

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
		zlog.Fatal("Order consumer stopped with error", zap.Error(err))
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

	database, err := db.NewPostgresDB(ctx, cfg.Postgres.DSN(), zlog)
	if err != nil {
		return err
	}
	defer database.Close()

	redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.CacheTTL, zlog)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	broker, err := messaging.Connect(cfg.Broker, zlog)
	if err != nil {
		return err
	}
	defer broker.Close()

	sub, err := broker.Subscribe(ctx, cfg.Broker.Topic, cfg.Broker.GroupID)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	products := db.NewCachedProductRepository(db.NewProductRepository(database), redisCache, zlog)

	orderConsumer := consumer.NewOrderConsumer(
		sub,
		products,
		db.NewNotificationRepository(database),
		email.NewSMTPSender(cfg.SMTP, zlog),
		consumer.NewRedisDeduper(redisCache, cfg.Redis.DedupeTTL),
		cfg.Broker.PollTimeout,
		cfg.Broker.HandleTimeout,
		reg,
		zlog,
	)

	// health and metrics only
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
	})
	router.GET("/metrics", gin.WrapH(reg.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	zlog.Info("Order consumer subscribed",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("topic", cfg.Broker.Topic),
		zap.String("group", cfg.Broker.GroupID),
	)
	return orderConsumer.Run(ctx)
}
