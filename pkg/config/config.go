package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	JWTSecret     string
	SweepSecret   string
	WebhookSecret string
	EncryptionKey string

	GoogleClientID      string
	GoogleClientSecret  string
	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	FirebaseCredentials string

	// Sync engine tunables. Thresholds and backoff schedules are deliberately
	// configurable rather than contractual values.
	SyncPageSize               int
	SyncTimeBudget             time.Duration
	SyncMaxPageRetries         int
	SyncRetryBackoff           time.Duration
	SyncMaxConsecutiveFailures int
	SyncResumeDelay            time.Duration

	StallThreshold time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerMaxCooldown      time.Duration

	QuotaWindow           time.Duration
	QuotaMaxCalls         int
	QuotaMaxRateLimitHits int

	SSEKeepAlive   time.Duration
	SSEMaxLifetime time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=mailsync port=5432 sslmode=disable"),

		JWTSecret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		SweepSecret:   getEnv("SWEEP_SECRET", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		GoogleClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleProjectID:     getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:   getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-updates"),
		GoogleCredentials:   getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),

		SyncPageSize:               getEnvInt("SYNC_PAGE_SIZE", 50),
		SyncTimeBudget:             getEnvDuration("SYNC_TIME_BUDGET", 8*time.Minute),
		SyncMaxPageRetries:         getEnvInt("SYNC_MAX_PAGE_RETRIES", 3),
		SyncRetryBackoff:           getEnvDuration("SYNC_RETRY_BACKOFF", 2*time.Second),
		SyncMaxConsecutiveFailures: getEnvInt("SYNC_MAX_CONSECUTIVE_FAILURES", 8),
		SyncResumeDelay:            getEnvDuration("SYNC_RESUME_DELAY", 5*time.Minute),

		StallThreshold: getEnvDuration("STALL_THRESHOLD", 10*time.Minute),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 1*time.Minute),
		SweepBatchSize: getEnvInt("SWEEP_BATCH_SIZE", 20),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerMaxCooldown:      getEnvDuration("BREAKER_MAX_COOLDOWN", 15*time.Minute),

		QuotaWindow:           getEnvDuration("QUOTA_WINDOW", 60*time.Second),
		QuotaMaxCalls:         getEnvInt("QUOTA_MAX_CALLS", 50),
		QuotaMaxRateLimitHits: getEnvInt("QUOTA_MAX_RATE_LIMIT_HITS", 3),

		SSEKeepAlive:   getEnvDuration("SSE_KEEP_ALIVE", 25*time.Second),
		SSEMaxLifetime: getEnvDuration("SSE_MAX_LIFETIME", 25*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
