package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tracker service
type Config struct {
	// Record store backend: "sheets" or "sqlite"
	StoreBackend string

	// SQLite backend / statistics snapshot cache
	DatabasePath string

	// Sheets backend
	OAuthClientID  string
	TokenCachePath string

	// Polling
	PollInterval time.Duration

	// HTTP
	Port           string
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		DatabasePath: getEnv("SQLITE_DATABASE", "/data/dismissal.db"),

		OAuthClientID:  getEnv("OAUTH_CLIENT_ID", ""),
		TokenCachePath: getEnv("TOKEN_CACHE_PATH", "/data/token.json"),

		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL", 30)) * time.Second,

		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
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
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
