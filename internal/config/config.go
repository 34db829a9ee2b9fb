// Package config provides configuration loading for the campaign engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the campaign engine service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store configuration
	StoreType     string // "memory" or "redis"
	StoreTTL      time.Duration
	AttemptMaxLen int64

	// Scheduler configuration
	TickInterval     time.Duration
	BatchSize        int
	MaxParallelism   int
	LeaseTimeout     time.Duration
	MaxStepsPerClaim int

	// Retry policy for transient send failures
	MaxSendRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Message channel
	ChannelURL     string
	ChannelTimeout time.Duration
	SendRateRPS    float64
	SendRateBurst  int

	// Contact directory
	DirectoryURL     string
	DirectoryTimeout time.Duration

	// CORS configuration
	CORSOrigins []string

	// Logging
	LogLevel  string
	LogFormat string
	LogSource bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Store
		StoreType:     getEnv("ENGINE_STORE", "memory"), // "memory" or "redis"
		StoreTTL:      getDuration("STORE_TTL", 90*24*time.Hour),
		AttemptMaxLen: getInt64("ATTEMPT_MAX_LEN", 5000),

		// Scheduler
		TickInterval:     getDuration("ENGINE_TICK_INTERVAL", 5*time.Minute),
		BatchSize:        getInt("ENGINE_BATCH_SIZE", 500),
		MaxParallelism:   getInt("ENGINE_MAX_PARALLELISM", 16),
		LeaseTimeout:     getDuration("ENGINE_LEASE_TIMEOUT", 2*time.Minute),
		MaxStepsPerClaim: getInt("ENGINE_MAX_STEPS_PER_CLAIM", 25),

		// Retry policy
		MaxSendRetries: getInt("ENGINE_MAX_SEND_RETRIES", 5),
		RetryBaseDelay: getDuration("ENGINE_RETRY_BASE_DELAY", time.Hour),
		RetryMaxDelay:  getDuration("ENGINE_RETRY_MAX_DELAY", 24*time.Hour),

		// Message channel
		ChannelURL:     getEnv("CHANNEL_URL", "http://localhost:8085"),
		ChannelTimeout: getDuration("CHANNEL_TIMEOUT", 15*time.Second),
		SendRateRPS:    getFloat("SEND_RATE_RPS", 50.0),
		SendRateBurst:  getInt("SEND_RATE_BURST", 100),

		// Contact directory
		DirectoryURL:     getEnv("DIRECTORY_URL", "http://localhost:8086"),
		DirectoryTimeout: getDuration("DIRECTORY_TIMEOUT", 10*time.Second),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogSource: getBool("LOG_SOURCE", false),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
