package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	// Generation backend.
	LocalBackendURL     string
	CorrelationStrategy string
	MetadataTimeout     time.Duration
	BinaryTimeout       time.Duration

	// Polling.
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollDeadline        time.Duration

	// Retrieval.
	RetrievalConcurrency int
	RetrievalMaxAttempts int
	RetrievalRPS         float64
	RetrySweepInterval   time.Duration

	// Remote backend lifecycle.
	ProvisionerBaseURL  string
	ProvisionerAPIKey   string
	ProvisionerTemplate string
	IdleTimeoutMinutes  int
	RemoteHourlyRate    float64

	// Model cache and background maintenance.
	ModelCacheTTL          time.Duration
	ModelRefreshInterval   time.Duration
	StuckStepCleanupMaxAge time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		LocalBackendURL:     getEnv("LOCAL_BACKEND_URL", "http://127.0.0.1:8188"),
		CorrelationStrategy: getEnv("CORRELATION_STRATEGY", "direct"),
		MetadataTimeout:     time.Second * time.Duration(getEnvInt("BACKEND_METADATA_TIMEOUT_SECONDS", 10)),
		BinaryTimeout:       time.Second * time.Duration(getEnvInt("BACKEND_BINARY_TIMEOUT_SECONDS", 120)),

		PollInitialInterval: time.Second * time.Duration(getEnvInt("POLL_INITIAL_INTERVAL_SECONDS", 1)),
		PollMaxInterval:     time.Second * time.Duration(getEnvInt("POLL_MAX_INTERVAL_SECONDS", 10)),
		PollDeadline:        time.Minute * time.Duration(getEnvInt("POLL_DEADLINE_MINUTES", 10)),

		RetrievalConcurrency: getEnvInt("RETRIEVAL_CONCURRENCY", 3),
		RetrievalMaxAttempts: getEnvInt("RETRIEVAL_MAX_ATTEMPTS", 3),
		RetrievalRPS:         getEnvFloat("RETRIEVAL_REQUESTS_PER_SECOND", 0),
		RetrySweepInterval:   time.Minute * time.Duration(getEnvInt("RETRY_SWEEP_INTERVAL_MINUTES", 5)),

		ProvisionerBaseURL:  getEnv("PROVISIONER_BASE_URL", ""),
		ProvisionerAPIKey:   os.Getenv("PROVISIONER_API_KEY"),
		ProvisionerTemplate: getEnv("PROVISIONER_TEMPLATE", "default-gpu"),
		IdleTimeoutMinutes:  getEnvInt("BACKEND_IDLE_TIMEOUT_MINUTES", 30),
		RemoteHourlyRate:    getEnvFloat("REMOTE_HOURLY_RATE_USD", 0.79),

		ModelCacheTTL:          time.Minute * time.Duration(getEnvInt("MODEL_CACHE_TTL_MINUTES", 30)),
		ModelRefreshInterval:   time.Minute * time.Duration(getEnvInt("MODEL_REFRESH_INTERVAL_MINUTES", 15)),
		StuckStepCleanupMaxAge: time.Minute * time.Duration(getEnvInt("STUCK_STEP_MAX_AGE_MINUTES", 60)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
