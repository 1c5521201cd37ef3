package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/api"
	"github.com/akylbek/payment-system/merchant-payments/internal/cache"
	"github.com/akylbek/payment-system/merchant-payments/internal/config"
	"github.com/akylbek/payment-system/merchant-payments/internal/events"
	"github.com/akylbek/payment-system/merchant-payments/internal/fx"
	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/handlers"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/repository"
	"github.com/akylbek/payment-system/merchant-payments/internal/repository/memory"
	"github.com/akylbek/payment-system/merchant-payments/internal/scheduler"
	"github.com/akylbek/payment-system/merchant-payments/internal/service"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("merchant-payments", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Merchant Payments")

	// Storage
	var (
		store    interfaces.Store
		webhooks interfaces.WebhookStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = repository.InitDB(initCtx, db)
		cancel()
		if err != nil {
			telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		store = repository.NewPaymentStore(db)
		webhooks = repository.NewWebhookRepository(db)
	} else {
		telemetry.Logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = memory.NewStore()
		webhooks = memory.NewWebhookStore()
	}

	// Connect to Redis
	var (
		locker  interfaces.Locker
		fxCache fx.Cache
	)
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})
		defer redisClient.Close()
		locker = cache.NewRedisLocker(redisClient)
		fxCache = fx.NewRedisCache(redisClient, cfg.FXCacheTTL)
	}

	// Connect to NATS
	var queue interfaces.ReconciliationQueue = events.LogQueue{}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		queue = events.NewNATSReconciliationQueue(nc)
	}

	// Connect to Kafka
	var publisher interfaces.EventPublisher = events.LogPublisher{}
	if cfg.KafkaBrokers != "" {
		kafkaWriter := events.NewKafkaWriter(cfg.KafkaBrokers)
		defer kafkaWriter.Close()
		publisher = events.NewKafkaPublisher(kafkaWriter)
	}

	// Gateway and FX
	gatewayClient := gateway.NewClient(gateway.Options{
		BaseURL:         cfg.GatewayBaseURL,
		AccessToken:     cfg.GatewayAccessToken,
		NotificationURL: strings.TrimRight(cfg.PlatformBaseURL, "/") + "/webhooks/gateway",
		Timeout:         cfg.GatewayTimeout,
		Sandbox:         cfg.GatewaySandbox,
	})

	var rateSource fx.Source
	if cfg.FXRateURL != "" {
		rateSource = fx.NewHTTPSource(cfg.FXRateURL, cfg.GatewayTimeout)
	}
	rates := fx.NewProvider(rateSource, fxCache, cfg.FXFallbackRates)

	// Services
	dispatcher := service.NewWebhookDispatcher(webhooks, service.DispatcherOptions{
		PlatformName: cfg.PlatformName,
		Timeout:      cfg.WebhookTimeout,
		Concurrency:  cfg.WebhookConcurrency,
		MaxAttempts:  cfg.WebhookMaxAttempts,
	})
	engine := service.NewConfirmationEngine(store, rates, dispatcher, publisher, service.EngineOptions{
		SettlementCurrency: cfg.SettlementCurrency,
		FeeRate:            cfg.PlatformFeeRate,
	})
	expirations := service.NewExpirationSweeper(store, locker, dispatcher, publisher, service.SweeperOptions{
		BatchSize: cfg.SweeperBatch,
		LockTTL:   cfg.SweeperInterval,
	})
	redeliveries := service.NewRedeliverySweeper(webhooks, dispatcher, locker, service.RedeliveryOptions{
		LockTTL: cfg.RedeliveryInterval,
	})

	paymentHandler := handlers.NewPaymentHandler(
		service.NewCheckoutService(store, cfg.PaymentTTL),
		service.NewPreferenceIssuer(store, gatewayClient, cfg.GatewaySandbox),
		service.NewDirectChargeHandler(store, gatewayClient, engine),
	)
	callbackHandler := handlers.NewCallbackHandler(
		service.NewCallbackProcessor(store, gatewayClient, engine, queue, cfg.GatewayWebhookSecret),
	)
	stateHandler := handlers.NewPaymentStateHandler(store)

	// Background sweeps
	sched := scheduler.New()
	if err := sched.Every("expiration", cfg.SweeperInterval, expirations.Run); err != nil {
		telemetry.Logger.Fatal("Failed to schedule expiration sweep", zap.Error(err))
	}
	if err := sched.Every("redelivery", cfg.RedeliveryInterval, redeliveries.Run); err != nil {
		telemetry.Logger.Fatal("Failed to schedule redelivery sweep", zap.Error(err))
	}
	sched.Start()

	r := api.NewRouter(api.Handlers{
		Payments: paymentHandler,
		State:    stateHandler,
		Callback: callbackHandler,
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Merchant Payments starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	sched.Stop(ctx)

	// Let in-flight webhook fan-outs record their deliveries.
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		telemetry.Logger.Warn("Webhook deliveries still in flight at shutdown")
	}

	telemetry.Logger.Info("Server exited")
}
