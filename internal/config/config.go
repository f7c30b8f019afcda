package config

import (
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string
	JWTSecret   string

	// Storage
	StoragePath string

	// Retention
	MaxItemsPerSession int
	MaxItemsToSend     int

	// Session lifecycle
	CleanupInterval time.Duration
	IdleThreshold   time.Duration
	TokenTTL        time.Duration
}

func Load() (*Config, error) {
	LoadEnvOnce()

	maxItems, _ := strconv.Atoi(GetEnvWithFallback("MAX_ITEMS_PER_SESSION", "20"))
	maxSend, _ := strconv.Atoi(GetEnvWithFallback("MAX_ITEMS_TO_SEND", "5"))
	cleanupMs, _ := strconv.ParseInt(GetEnvWithFallback("CLEANUP_INTERVAL_MS", "3600000"), 10, 64)
	idleMs, _ := strconv.ParseInt(GetEnvWithFallback("IDLE_THRESHOLD_MS", "600000"), 10, 64)
	tokenHours, _ := strconv.Atoi(GetEnvWithFallback("SESSION_TOKEN_TTL_HOURS", "24"))

	return &Config{
		Port:        GetEnvWithFallback("PORT", "8080"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		JWTSecret:   GetEnvWithFallback("JWT_SECRET", "your-secret-key-change-in-production"),

		StoragePath: GetEnvWithFallback("STORAGE_PATH", "./data/sessions"),

		MaxItemsPerSession: maxItems,
		MaxItemsToSend:     maxSend,

		CleanupInterval: time.Duration(cleanupMs) * time.Millisecond,
		IdleThreshold:   time.Duration(idleMs) * time.Millisecond,
		TokenTTL:        time.Duration(tokenHours) * time.Hour,
	}, nil
}
