package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the report sync service
type Config struct {
	// Server configuration
	Port string

	// Logging
	LogLevel string

	// Reports API configuration
	ReportsAPIURL   string
	ReportsWSURL    string
	UpstreamTimeout time.Duration
	ReportsLimit    int
	ReportsLang     string

	// Cache configuration
	CacheCapacity int
	CacheTTL      time.Duration

	// Polling and refresh
	CountsPollInterval time.Duration
	RefreshInterval    time.Duration
	LiveUpdates        bool

	// Invalidation gateway
	InvalidateToken     string
	InvalidateRateLimit float64

	// RabbitMQ configuration
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPRoutingKey string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Server defaults
		Port: getEnv("PORT", "8080"),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Reports API defaults
		ReportsAPIURL:   getEnv("REPORTS_API_URL", "http://report-listener:8080"),
		ReportsWSURL:    getEnv("REPORTS_WS_URL", ""),
		UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", 30*time.Second),
		ReportsLimit:    getIntEnv("REPORTS_LIMIT", 1000),
		ReportsLang:     getEnv("REPORTS_LANG", "en"),

		// Cache defaults
		CacheCapacity: getIntEnv("CACHE_CAPACITY", 1000),
		CacheTTL:      getDurationEnv("CACHE_TTL", 5*time.Minute),

		// Polling defaults
		CountsPollInterval: getDurationEnv("COUNTS_POLL_INTERVAL", 30*time.Second),
		RefreshInterval:    getDurationEnv("REFRESH_INTERVAL", 5*time.Minute),
		LiveUpdates:        getBoolEnv("LIVE_UPDATES", true),

		// Invalidation defaults
		InvalidateToken:     strings.TrimSpace(os.Getenv("INVALIDATE_TOKEN")),
		InvalidateRateLimit: getFloatEnv("INVALIDATE_RATE_LIMIT", 5),

		// RabbitMQ defaults
		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "cleanapp"),
		AMQPQueue:      getEnv("AMQP_QUEUE", "report-sync-invalidate"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "report.reprocessed"),
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
