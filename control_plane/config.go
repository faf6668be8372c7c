package main

import (
	"os"
	"strconv"
	"time"
)

// Config holds every operational knob, loaded from the environment with
// defaults suitable for local development. Empty PostgresDSN or RedisAddr
// selects the in-memory backend for that tier.
type Config struct {
	ListenAddr  string
	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	AdminToken string

	CommandTimeout time.Duration
	CacheTTL       time.Duration
	PersistWindow  time.Duration

	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	TokenRefresh    time.Duration
	MonitorInterval time.Duration
	OfflineAfter    time.Duration
}

// LoadConfig reads the VFLEET_* environment.
func LoadConfig() Config {
	return Config{
		ListenAddr:        envOrDefault("VFLEET_LISTEN_ADDR", ":8080"),
		PostgresDSN:       os.Getenv("VFLEET_POSTGRES_DSN"),
		RedisAddr:         os.Getenv("VFLEET_REDIS_ADDR"),
		RedisDB:           envInt("VFLEET_REDIS_DB", 0),
		AdminToken:        envOrDefault("VFLEET_ADMIN_TOKEN", "dev-admin-token"),
		CommandTimeout:    envDuration("VFLEET_COMMAND_TIMEOUT", 60*time.Second),
		CacheTTL:          envDuration("VFLEET_CACHE_TTL", time.Hour),
		PersistWindow:     envDuration("VFLEET_PERSIST_WINDOW", 10*time.Minute),
		RetentionMaxAge:   envDuration("VFLEET_RETENTION_MAX_AGE", 720*time.Hour),
		RetentionInterval: envDuration("VFLEET_RETENTION_INTERVAL", time.Hour),
		TokenRefresh:      envDuration("VFLEET_TOKEN_REFRESH", time.Minute),
		MonitorInterval:   envDuration("VFLEET_MONITOR_INTERVAL", 30*time.Second),
		OfflineAfter:      envDuration("VFLEET_OFFLINE_AFTER", 2*time.Minute),
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
