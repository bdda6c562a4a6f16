package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Email provider selection values.
const (
	EmailProviderSES    = "ses"
	EmailProviderResend = "resend"
	EmailProviderLog    = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (optional; ingestion idempotency + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email delivery
	EmailProvider string // ses | resend | log
	AWSRegion     string
	SESFromEmail  string
	ResendAPIKey  string

	// Webhook delivery
	WebhookTimeout time.Duration

	// Admin auth: mutating routes require this shared secret when set.
	TaskSecret string

	// Dispatch worker
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	WorkerStaleAfter   time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "apaganet",
		DBPassword: "",
		DBName:     "apaganet",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailProvider: EmailProviderLog,
		AWSRegion:     "us-east-1",
		SESFromEmail:  "alerts@apaganet.local",

		WebhookTimeout: 30 * time.Second,

		WorkerPollInterval: 5 * time.Second,
		WorkerBatchSize:    50,
		WorkerStaleAfter:   10 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		switch provider {
		case EmailProviderSES, EmailProviderResend, EmailProviderLog:
			cfg.EmailProvider = provider
		default:
			return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q (must be ses, resend or log)", provider)
		}
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if key := os.Getenv("RESEND_API_KEY"); key != "" {
		cfg.ResendAPIKey = key
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(t) * time.Second
	}

	if secret := os.Getenv("TASK_SECRET"); secret != "" {
		cfg.TaskSecret = secret
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = d
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %q", size)
		}
		cfg.WorkerBatchSize = n
	}

	if stale := os.Getenv("WORKER_STALE_AFTER"); stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_STALE_AFTER: %w", err)
		}
		cfg.WorkerStaleAfter = d
	}

	return cfg, nil
}
