package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/payflow-gateway/internal/config"
	"github.com/payflow-gateway/internal/database"
	"github.com/payflow-gateway/internal/events"
	"github.com/payflow-gateway/internal/payment"
	"github.com/payflow-gateway/internal/processor"
	"github.com/payflow-gateway/internal/queue"
	"github.com/payflow-gateway/internal/webhook"
	"github.com/payflow-gateway/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("PayFlow Payment Gateway Worker starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context
	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	// Initialize webhook delivery engine
	store := webhook.NewPgStore(db.Pool)
	dispatcher := worker.NewAsynqDispatcher(q.Client)
	engine := webhook.NewEngine(store, dispatcher, webhook.Config{
		Secret:             []byte(cfg.WebhookSecret),
		DefaultMaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		DedupWindow:        cfg.DedupWindow,
		LeaseDuration:      cfg.LeaseDuration,
		DeliveryTimeout:    cfg.DeliveryTimeout,
	})

	// The worker settles transactions from processor callbacks; webhooks it
	// emits on those transitions go out through the same engine.
	source := events.NewSource(engine, cfg.WebhookEndpointURL)
	gateway := processor.NewClient(cfg.ProcessorSubmitURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout)
	tlm := payment.NewService(payment.NewPgStore(db.Pool), gateway, source, payment.Config{
		IdempotencyWait:         cfg.IdempotencyWait,
		IdempotencyPollInterval: cfg.IdempotencyPollInterval,
		PendingTakeoverAge:      cfg.PendingTakeoverAge,
	})

	// Register worker handlers
	processorWorker := worker.NewProcessor(engine, tlm)
	q.Server.HandleFunc(worker.TypeDeliverWebhook, processorWorker.DeliverWebhook)
	q.Server.HandleFunc(worker.TypeProcessCallback, processorWorker.ProcessCallback)

	// Start the webhook reconciler
	schedCtx, stopScheduler := context.WithCancel(ctx)
	scheduler := webhook.NewScheduler(store, dispatcher, cfg.SchedulerInterval, cfg.SchedulerBatch)
	go scheduler.Run(schedCtx)

	// Schedule retention cleanup
	cleaner := webhook.NewCleaner(store, cfg.DeliveredRetention, cfg.FailedRetention)
	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(cfg.CleanupSchedule, func() {
		if _, err := cleaner.Purge(context.Background()); err != nil {
			log.Printf("Webhook cleanup failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid cleanup schedule %q: %v", cfg.CleanupSchedule, err)
	}
	cronRunner.Start()

	// Start Asynq worker
	redisOpt, serverConfig := q.ServerConfig(cfg.WorkerConcurrency)
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down worker...")
		stopScheduler()
		cronRunner.Stop()
		asynqServer.Shutdown()
	}()

	log.Println("Worker started, processing tasks...")
	if err := asynqServer.Run(q.Server); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}

	log.Println("Worker shutdown complete")
}
