package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/payflow-gateway/internal/config"
	"github.com/payflow-gateway/internal/database"
	"github.com/payflow-gateway/internal/events"
	"github.com/payflow-gateway/internal/handlers"
	"github.com/payflow-gateway/internal/payment"
	"github.com/payflow-gateway/internal/processor"
	"github.com/payflow-gateway/internal/queue"
	"github.com/payflow-gateway/internal/server"
	"github.com/payflow-gateway/internal/webhook"
	"github.com/payflow-gateway/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("PayFlow Payment Gateway starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.LogSafeConfig()

	// Create context
	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	// Initialize webhook delivery engine
	dispatcher := worker.NewAsynqDispatcher(q.Client)
	engine := webhook.NewEngine(webhook.NewPgStore(db.Pool), dispatcher, webhook.Config{
		Secret:             []byte(cfg.WebhookSecret),
		DefaultMaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		DedupWindow:        cfg.DedupWindow,
		LeaseDuration:      cfg.LeaseDuration,
		DeliveryTimeout:    cfg.DeliveryTimeout,
	})

	// Initialize event source
	source := events.NewSource(engine, cfg.WebhookEndpointURL)

	// Initialize processor gateway client
	gateway := processor.NewClient(cfg.ProcessorSubmitURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout)

	// Initialize transaction lifecycle manager
	tlm := payment.NewService(payment.NewPgStore(db.Pool), gateway, source, payment.Config{
		IdempotencyWait:         cfg.IdempotencyWait,
		IdempotencyPollInterval: cfg.IdempotencyPollInterval,
		PendingTakeoverAge:      cfg.PendingTakeoverAge,
	})

	// Initialize HTTP handlers
	httpHandlers := handlers.NewHandler(db.Pool, tlm, q.Client, []byte(cfg.ProcessorCallbackSecret))

	// Register worker handlers
	processorWorker := worker.NewProcessor(engine, tlm)
	q.Server.HandleFunc(worker.TypeDeliverWebhook, processorWorker.DeliverWebhook)
	q.Server.HandleFunc(worker.TypeProcessCallback, processorWorker.ProcessCallback)

	// Start Asynq worker in background
	redisOpt, serverConfig := q.ServerConfig(cfg.WorkerConcurrency)
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	go func() {
		log.Println("Starting Asynq worker...")
		if err := asynqServer.Run(q.Server); err != nil {
			log.Fatalf("Asynq worker failed: %v", err)
		}
	}()

	// Start the webhook reconciler in background
	schedCtx, stopScheduler := context.WithCancel(ctx)
	scheduler := webhook.NewScheduler(webhook.NewPgStore(db.Pool), dispatcher, cfg.SchedulerInterval, cfg.SchedulerBatch)
	go scheduler.Run(schedCtx)

	// Initialize HTTP server
	httpServer := server.NewServer(cfg, httpHandlers)

	// Start HTTP server in background
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")

	// Stop background work
	stopScheduler()
	asynqServer.Shutdown()

	// Give time for cleanup
	time.Sleep(2 * time.Second)

	log.Println("Shutdown complete")
}
