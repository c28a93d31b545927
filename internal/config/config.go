package config

import (
	"errors"
	"os"
	"time"
)

type Config struct {
	ServerPort     string
	JWTSecret      string
	JWTExpiry      time.Duration
	DatabaseURL    string // optional: enables the durable event archive
	RedisURL       string // optional: enables the shared Redis cache store
	OfflineDataDir string
	RemoteAPIURL   string
	RemoteAPIToken string
	SyncInterval   time.Duration
}

func LoadConfig() (*Config, error) {
	expiry, err := time.ParseDuration(getEnv("JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}
	syncInterval, err := time.ParseDuration(getEnv("SYNC_INTERVAL", "60s"))
	if err != nil {
		return nil, errors.New("invalid SYNC_INTERVAL format")
	}

	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTExpiry:      expiry,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		OfflineDataDir: getEnv("OFFLINE_DATA_DIR", "./data/offline"),
		RemoteAPIURL:   os.Getenv("REMOTE_API_URL"),
		RemoteAPIToken: os.Getenv("REMOTE_API_TOKEN"),
		SyncInterval:   syncInterval,
	}

	// Validate required fields
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
