package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecom-events/config"
	"ecom-events/internal/api"
	"ecom-events/internal/broker"
	"ecom-events/internal/consumer"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/service"
	"ecom-events/internal/store"
	"ecom-events/internal/util"
	"ecom-events/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.Roles); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting ecom-events", zap.Strings("roles", cfg.Server.Roles))

	tp, err := util.InitTracer("ecom-events", cfg.Observ.JaegerEndpoint, cfg.Server.Roles)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LedgerTTL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	retry := broker.RetryPolicy{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}
	eventPublisher := broker.NewEventPublisher(producer, cfg.Kafka.DeadLetterTopic, retry)

	newConsumer := func(group string) *consumer.IdempotentConsumer {
		return consumer.New(consumer.Config{Group: group, Retry: retry}, db, eventPublisher,
			consumer.WithCache(redisClient))
	}

	services := api.Services{
		Ledger: db,
		Dependencies: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	}
	var workers []*worker.Worker

	if cfg.HasRole(config.RolePayment) {
		services.Payments = service.NewPaymentService(nil, eventPublisher)
	}

	if cfg.HasRole(config.RoleOrder) {
		services.Orders = service.NewOrderService(db, redisClient, eventPublisher)

		orders := newConsumer(cfg.Kafka.OrderGroup)
		service.NewOrderSaga().Register(orders)
		workers = append(workers, worker.New("order", cfg.Kafka.Brokers, orders))
	}

	if cfg.HasRole(config.RoleProduct) {
		inventory := service.NewInventoryService(db, redisClient, eventPublisher, service.InventoryConfig{
			LowStockThreshold: cfg.Business.LowStockThreshold,
			AlertMode:         cfg.Business.LowStockAlertMode,
		})
		services.Inventory = inventory

		if err := inventory.SyncCatalog(ctx); err != nil {
			logger.Warn("Failed to sync catalog to Redis", zap.Error(err))
		}

		consumers := newConsumer(cfg.Kafka.InventoryGroup)
		inventory.Register(consumers)
		workers = append(workers, worker.New("inventory", cfg.Kafka.Brokers, consumers))
	}

	if cfg.HasRole(config.RoleNotification) {
		notifications := service.NewNotificationService(redisClient, cfg.Redis.RecentNotifyLimit)
		services.Notifications = notifications

		consumers := newConsumer(cfg.Kafka.NotificationGroup)
		notifications.Register(consumers)
		workers = append(workers, worker.New("notification", cfg.Kafka.Brokers, consumers))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	for _, w := range workers {
		w := w
		go func() {
			if err := w.Start(workerCtx); err != nil {
				logger.Error("Worker stopped", zap.String("worker", w.Name()), zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(services)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	for _, w := range workers {
		if err := w.Stop(); err != nil {
			logger.Warn("Failed to stop worker", zap.String("worker", w.Name()), zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
