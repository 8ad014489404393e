package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ProvidersFile string        // Optional: path to the YAML providers file (default: ./providers.yaml)
	Store         string        // Optional: adapter backend (sqlite, redis, memory) (default: sqlite)
	DatabaseFile  string        // Optional: path to SQLite database file (default: ./simpleauth.db)
	RedisAddr     string        // Optional: Redis address for the redis store (default: localhost:6379)
	RedisPassword string        // Optional: Redis password
	RedisDB       int           // Optional: Redis database number (default: 0)
	PepperFile    string        // Optional: path to file containing pepper for password hashing (default: ./pepper)
	StateSecret   string        // Optional: HMAC secret for OAuth state tokens, random per process when empty
	SessionTTL    time.Duration // Optional: overrides session_ttl from the providers file

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	MetricsAddr          string        // Listen address for /metrics and /livez (default: :9090)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

func LoadConfig() Config {
	return Config{
		ProvidersFile:        getEnvOrDefault("SIMPLEAUTH_PROVIDERS_FILE", "providers.yaml"),
		Store:                getEnvOrDefault("SIMPLEAUTH_STORE", StoreSQLite),
		DatabaseFile:         getEnvOrDefault("SIMPLEAUTH_DATABASE_FILE", "simpleauth.db"),
		RedisAddr:            getEnvOrDefault("SIMPLEAUTH_REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("SIMPLEAUTH_REDIS_PASSWORD"),
		RedisDB:              getEnvIntOrDefault("SIMPLEAUTH_REDIS_DB", 0),
		PepperFile:           getEnvOrDefault("SIMPLEAUTH_PEPPER_FILE", "pepper"),
		StateSecret:          os.Getenv("SIMPLEAUTH_STATE_SECRET"),
		SessionTTL:           getEnvDurationOrDefault("SIMPLEAUTH_SESSION_TTL", 0),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		MetricsAddr:          getEnvOrDefault("METRICS_ADDR", ":9090"),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
