package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort string

	// Database configuration
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Redis configuration
	RedisURL string

	// Processor gateway
	ProcessorSubmitURL      string
	ProcessorAPIKey         string
	ProcessorTimeout        time.Duration
	ProcessorCallbackSecret string
	ProcessorIPs            []string

	// Transaction lifecycle settings
	IdempotencyWait         time.Duration
	IdempotencyPollInterval time.Duration
	PendingTakeoverAge      time.Duration

	// Webhook delivery settings
	WebhookEndpointURL string
	WebhookSecret      string
	WebhookMaxAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	DedupWindow        time.Duration
	LeaseDuration      time.Duration
	DeliveryTimeout    time.Duration
	SchedulerInterval  time.Duration
	SchedulerBatch     int

	// Retention settings
	DeliveredRetention time.Duration
	FailedRetention    time.Duration
	CleanupSchedule    string

	// Security settings
	InternalSecret string

	// Request limits
	MaxRequestSize int64

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort: getEnv("PAYFLOW_SERVER_PORT", "8080"),

		// Database
		DatabaseURL: getEnv("PAYFLOW_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("PAYFLOW_DB_MAX_CONNS", 25),
		DBMinConns:  getEnvInt("PAYFLOW_DB_MIN_CONNS", 5),

		// Redis
		RedisURL: getEnv("PAYFLOW_REDIS_URL", ""),

		// Processor
		ProcessorSubmitURL:      getEnv("PAYFLOW_PROCESSOR_SUBMIT_URL", ""),
		ProcessorAPIKey:         getEnv("PAYFLOW_PROCESSOR_API_KEY", ""),
		ProcessorTimeout:        getEnvDuration("PAYFLOW_PROCESSOR_TIMEOUT", 30*time.Second),
		ProcessorCallbackSecret: getEnv("PAYFLOW_PROCESSOR_CALLBACK_SECRET", ""),

		// Transaction lifecycle
		IdempotencyWait:         getEnvDuration("PAYFLOW_IDEMPOTENCY_WAIT", 10*time.Second),
		IdempotencyPollInterval: getEnvDuration("PAYFLOW_IDEMPOTENCY_POLL_INTERVAL", 100*time.Millisecond),
		PendingTakeoverAge:      getEnvDuration("PAYFLOW_PENDING_TAKEOVER_AGE", 2*time.Minute),

		// Webhook delivery
		WebhookEndpointURL: getEnv("PAYFLOW_WEBHOOK_ENDPOINT_URL", ""),
		WebhookSecret:      getEnv("PAYFLOW_WEBHOOK_SECRET", ""),
		WebhookMaxAttempts: getEnvInt("PAYFLOW_WEBHOOK_MAX_ATTEMPTS", 5),
		BackoffBase:        getEnvDuration("PAYFLOW_WEBHOOK_BACKOFF_BASE", 30*time.Second),
		BackoffCap:         getEnvDuration("PAYFLOW_WEBHOOK_BACKOFF_CAP", 4*time.Hour),
		DedupWindow:        getEnvDuration("PAYFLOW_WEBHOOK_DEDUP_WINDOW", 24*time.Hour),
		LeaseDuration:      getEnvDuration("PAYFLOW_WEBHOOK_LEASE_DURATION", time.Minute),
		DeliveryTimeout:    getEnvDuration("PAYFLOW_WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),
		SchedulerInterval:  getEnvDuration("PAYFLOW_SCHEDULER_INTERVAL", 15*time.Second),
		SchedulerBatch:     getEnvInt("PAYFLOW_SCHEDULER_BATCH", 100),

		// Retention
		DeliveredRetention: getEnvDuration("PAYFLOW_DELIVERED_RETENTION", 7*24*time.Hour),
		FailedRetention:    getEnvDuration("PAYFLOW_FAILED_RETENTION", 30*24*time.Hour),
		CleanupSchedule:    getEnv("PAYFLOW_CLEANUP_SCHEDULE", "17 * * * *"),

		// Security
		InternalSecret: getEnv("PAYFLOW_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("PAYFLOW_MAX_REQUEST_SIZE", 1<<20), // 1MB

		// Worker
		WorkerConcurrency: getEnvInt("PAYFLOW_WORKER_CONCURRENCY", 10),
	}

	// Parse IP allowlist
	ipList := getEnv("PAYFLOW_PROCESSOR_IPS", "")
	if ipList != "" {
		cfg.ProcessorIPs = strings.Split(ipList, ",")
		for i := range cfg.ProcessorIPs {
			cfg.ProcessorIPs[i] = strings.TrimSpace(cfg.ProcessorIPs[i])
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("PAYFLOW_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("PAYFLOW_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("PAYFLOW_INTERNAL_SECRET is required")
	}
	if c.ProcessorSubmitURL == "" {
		return fmt.Errorf("PAYFLOW_PROCESSOR_SUBMIT_URL is required")
	}
	if c.ProcessorAPIKey == "" {
		return fmt.Errorf("PAYFLOW_PROCESSOR_API_KEY is required")
	}
	if c.ProcessorCallbackSecret == "" {
		return fmt.Errorf("PAYFLOW_PROCESSOR_CALLBACK_SECRET is required")
	}
	if c.WebhookEndpointURL == "" {
		return fmt.Errorf("PAYFLOW_WEBHOOK_ENDPOINT_URL is required (consumer notification URL)")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("PAYFLOW_WEBHOOK_SECRET is required")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("PAYFLOW_WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig() {
	fmt.Printf("Configuration loaded:\n")
	fmt.Printf("  Server Port: %s\n", c.ServerPort)
	fmt.Printf("  Database URL: %s\n", maskConnectionString(c.DatabaseURL))
	fmt.Printf("  Redis URL: %s\n", maskConnectionString(c.RedisURL))
	fmt.Printf("  DB Pool: %d min, %d max\n", c.DBMinConns, c.DBMaxConns)
	fmt.Printf("  Processor Submit URL: %s\n", c.ProcessorSubmitURL)
	fmt.Printf("  Processor IP Allowlist: %v\n", c.ProcessorIPs)
	fmt.Printf("  Webhook Endpoint: %s\n", c.WebhookEndpointURL)
	fmt.Printf("  Webhook Max Attempts: %d (base %s, cap %s)\n", c.WebhookMaxAttempts, c.BackoffBase, c.BackoffCap)
	fmt.Printf("  Scheduler: every %s, batch %d\n", c.SchedulerInterval, c.SchedulerBatch)
	fmt.Printf("  Worker Concurrency: %d\n", c.WorkerConcurrency)
	fmt.Printf("  Max Request Size: %d bytes\n", c.MaxRequestSize)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
