package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"onairos/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DatabasePath string // SQLite file path for consent receipts
	RedisURL     string

	// Remote platform API (account info + access exchange)
	APIBaseURL string
	APIKey     string // forwarded as Bearer credential on collaborator calls

	// Trainer socket endpoint
	TrainerURL string

	// JWT configuration
	JWTSecret string

	// Session behavior
	SessionTTL       time.Duration // idle consent sessions are reaped after this
	TrainingWatchdog time.Duration // force-complete training after this much silence

	// Default category manifest (used when the caller supplies none)
	ManifestPath string

	// Receipt retention
	ReceiptRetentionDays int

	// CORS
	AllowedOrigins []string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsEnv := getEnv("ALLOWED_ORIGINS", "")
	var origins []string
	if originsEnv != "" {
		origins = strings.Split(originsEnv, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "onairos.db"),
		RedisURL:     getEnv("REDIS_URL", ""),

		APIBaseURL: getEnv("API_BASE_URL", "https://api2.onairos.uk"),
		APIKey:     getEnv("API_KEY", ""),

		TrainerURL: getEnv("TRAINER_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		SessionTTL:       getDurationEnv("SESSION_TTL", 30*time.Minute),
		TrainingWatchdog: getDurationEnv("TRAINING_WATCHDOG", 10*time.Minute),

		ManifestPath: getEnv("MANIFEST_PATH", ""),

		ReceiptRetentionDays: getIntEnv("RECEIPT_RETENTION_DAYS", 365),

		AllowedOrigins: origins,
	}
}

// LoadManifest loads a default request manifest from a JSON file.
// The manifest maps category keys to request metadata, e.g.
// {"Personality": {"type": "Personality", "descriptions": "...", "reward": "10"}}
func LoadManifest(filePath string) (models.RequestManifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest models.RequestManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	return manifest, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
