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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/notify"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer(cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
	defer orderProducer.Close()
	auditProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAudit)
	defer auditProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer, auditProducer)

	tasks := worker.NewDispatcher(cfg.Checkout.EmailWorkers, cfg.Checkout.TaskQueueSize, cfg.Checkout.TaskTimeout)

	settings := service.NewCachedConfig(db, redisClient, cfg.Checkout.RatesCacheTTL, cfg.Checkout.SettingsCacheTTL)
	notifier := notify.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
		cfg.SMTP.From, cfg.Checkout.PublicBaseURL)

	intentBuilder := service.NewIntentBuilder(service.IntentBuilderProperty{
		Events:      db,
		TicketTypes: db,
		Discounts:   db,
		Accounts:    db,
		Config:      settings,
		Gateway:     gateway.NewStripeGateway(cfg.Stripe.SecretKey),
		Tasks:       tasks,
		Publisher:   eventPublisher,
		RateMaxAge:  cfg.Checkout.RateMaxAge,
	})

	materializer := service.NewMaterializer(service.MaterializerProperty{
		TicketTypes: db,
		Customers:   db,
		Orders:      db,
		Notifier:    notifier,
		Tasks:       tasks,
		Publisher:   eventPublisher,
		OrderPrefix: cfg.Checkout.OrderNumberPrefix,
	})
	fulfillment := service.NewFulfillment(db, db, materializer, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
	fulfillmentWorker := worker.NewFulfillmentWorker(paymentConsumer, fulfillment)
	go func() {
		if err := fulfillmentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Fulfillment worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	props := api.HandlerProperty{
		Checkout:    intentBuilder,
		Idempotency: redisClient,
		RateLimiter: api.NewRateLimiter(redisClient, cfg.Checkout.RateLimitPerMinute, intentBuilder),
		Readiness: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	}
	if cfg.Checkout.EnableTestOrderHTTP {
		props.TestOrders = fulfillment
	}

	router := gin.New()
	router.Use(gin.Logger())
	api.NewHandler(props).SetupRoutes(router)

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
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := fulfillmentWorker.Stop(); err != nil {
		logger.Error("Error stopping fulfillment worker", zap.Error(err))
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background tasks did not finish", zap.Error(err))
	}

	logger.Info("Server exited")
}
