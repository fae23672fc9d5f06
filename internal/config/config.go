package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the generation coordinator.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	LockedDown     bool
	AdminToken     string

	RedisURL    string
	DatabaseURL string

	EngineProvider string
	GeminiAPIKey   string
	GeminiModel    string

	StorageBackend string
	StorageDir     string
	PublicBaseURL  string

	DailyLimit       int
	GlobalDailyLimit int
	Cooldown         time.Duration
	MaxBatchSize     int
	QuotaBucketTTL   time.Duration

	TaskTTL        time.Duration
	SessionTTL     time.Duration
	MaxTurns       int
	ImageTurns     int
	WorkerCount    int
	QueueSize      int
	StoreRetries   int
	StoreRetryBase time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "atelier"),
		AllowAnyOrigin:   false,
		LockedDown:       false,
		AdminToken:       stringsTrimSpace("APP_ADMIN_TOKEN"),
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		EngineProvider:   envOrDefault("ENGINE_PROVIDER", "auto"),
		GeminiAPIKey:     stringsTrimSpace("GOOGLE_API_KEY"),
		// Image-capable Gemini model used for both single-shot and chat.
		GeminiModel:    envOrDefault("GEMINI_IMAGE_MODEL", "gemini-2.0-flash-exp"),
		StorageBackend: envOrDefault("STORAGE_BACKEND", "memory"),
		StorageDir:     envOrDefault("STORAGE_DIR", ".data/images"),
		PublicBaseURL:  envOrDefault("PUBLIC_BASE_URL", "/images"),
		DailyLimit:     50,
		GlobalDailyLimit: 2000,
		Cooldown:       3 * time.Second,
		MaxBatchSize:   5,
		// Buckets outlive their day so late refunds still find a counter.
		QuotaBucketTTL:  48 * time.Hour,
		TaskTTL:         24 * time.Hour,
		SessionTTL:      24 * time.Hour,
		MaxTurns:        20,
		ImageTurns:      5,
		WorkerCount:     2,
		QueueSize:       64,
		StoreRetries:    3,
		StoreRetryBase:  100 * time.Millisecond,
		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Cooldown, err = durationFromEnv("QUOTA_COOLDOWN", cfg.Cooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaBucketTTL, err = durationFromEnv("QUOTA_BUCKET_TTL", cfg.QuotaBucketTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTTL, err = durationFromEnv("TASK_TTL", cfg.TaskTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("CHAT_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.DailyLimit, err = intFromEnv("QUOTA_DAILY_LIMIT", cfg.DailyLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.GlobalDailyLimit, err = intFromEnv("QUOTA_GLOBAL_DAILY_LIMIT", cfg.GlobalDailyLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBatchSize, err = intFromEnv("QUOTA_MAX_BATCH_SIZE", cfg.MaxBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTurns, err = intFromEnv("CHAT_MAX_TURNS", cfg.MaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageTurns, err = intFromEnv("CHAT_IMAGE_TURNS", cfg.ImageTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerCount, err = intFromEnv("BATCH_WORKER_COUNT", cfg.WorkerCount)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueSize, err = intFromEnv("BATCH_QUEUE_SIZE", cfg.QueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetries, err = intFromEnv("STORE_RETRIES", cfg.StoreRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LockedDown, err = boolFromEnv("APP_LOCKED_DOWN", cfg.LockedDown)
	if err != nil {
		return Config{}, err
	}

	if cfg.DailyLimit <= 0 {
		return Config{}, fmt.Errorf("QUOTA_DAILY_LIMIT must be positive")
	}
	// Zero disables the service-wide ceiling.
	if cfg.GlobalDailyLimit != 0 && cfg.GlobalDailyLimit < cfg.DailyLimit {
		return Config{}, fmt.Errorf("QUOTA_GLOBAL_DAILY_LIMIT must be 0 or at least QUOTA_DAILY_LIMIT")
	}
	if cfg.MaxBatchSize <= 0 {
		return Config{}, fmt.Errorf("QUOTA_MAX_BATCH_SIZE must be positive")
	}
	if cfg.MaxTurns <= 0 || cfg.ImageTurns <= 0 {
		return Config{}, fmt.Errorf("chat window sizes must be positive")
	}
	if cfg.ImageTurns >= cfg.MaxTurns {
		return Config{}, fmt.Errorf("CHAT_IMAGE_TURNS must be smaller than CHAT_MAX_TURNS")
	}
	if cfg.WorkerCount <= 0 {
		return Config{}, fmt.Errorf("BATCH_WORKER_COUNT must be positive")
	}
	if cfg.QueueSize <= 0 {
		return Config{}, fmt.Errorf("BATCH_QUEUE_SIZE must be positive")
	}
	if cfg.StoreRetries < 0 {
		return Config{}, fmt.Errorf("STORE_RETRIES must be >= 0")
	}
	if cfg.TaskTTL < time.Minute {
		return Config{}, fmt.Errorf("TASK_TTL must be at least 1m")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.EngineProvider)) {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("invalid ENGINE_PROVIDER: %q (expected auto|gemini|mock)", cfg.EngineProvider)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "memory", "fs":
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_BACKEND: %q (expected memory|fs)", cfg.StorageBackend)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
