package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Slot grid length in minutes for every doctor.
	SlotGranularityMinutes int

	// AdminJWTSecret guards the stats and search endpoints.
	AdminJWTSecret string

	CORSAllowedOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisTLS:               getEnvAsBool("REDIS_TLS", false),
		SlotGranularityMinutes: getEnvAsInt("SLOT_GRANULARITY_MINUTES", 30),
		AdminJWTSecret:         getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),
		ReadTimeout:            getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:           getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:            getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
