// package config loads application configuration from environment variables
// and the channel pair definitions from a yaml file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// ledger: sqlite path or postgres url
	LedgerDSN string

	// nats, empty disables event publishing
	NatsURL string

	// telegram
	TGApiID      int
	TGApiHash    string
	TGSessionStr string
	SessionFile  string
	SessionDSN   string

	// pipeline
	RunConfig       string
	TempDir         string
	Producers       int
	Consumers       int
	QueueSize       int
	DiskWorkers     int
	DownloadTimeout time.Duration
	MaxRetries      int
	ResourceTTL     time.Duration

	// rate limiting
	RateRPS       float64
	RateBurst     int
	FloodMinDelay time.Duration
	FloodMaxDelay time.Duration

	// server
	HTTPPort int

	// logging
	LogLevel string
	LogFile  string
	LogJSON  bool
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LedgerDSN:       getEnv("LEDGER_DSN", "./data/relay.db"),
		NatsURL:         getEnv("NATS_URL", ""),
		TGApiID:         getEnvInt("TG_API_ID", 0),
		TGApiHash:       getEnv("TG_API_HASH", ""),
		TGSessionStr:    getEnv("TG_SESSION_STRING", ""),
		SessionFile:     getEnv("TG_SESSION_FILE", ""),
		SessionDSN:      getEnv("TG_SESSION_DB", "./data/session.db"),
		RunConfig:       getEnv("RUN_CONFIG", "./relay.yaml"),
		TempDir:         getEnv("TEMP_DIR", "./data/tmp"),
		Producers:       getEnvInt("PRODUCERS", 2),
		Consumers:       getEnvInt("CONSUMERS", 1),
		QueueSize:       getEnvInt("QUEUE_SIZE", 4),
		DiskWorkers:     getEnvInt("DISK_WORKERS", 2),
		DownloadTimeout: time.Duration(getEnvInt("DOWNLOAD_TIMEOUT_SECONDS", 90)) * time.Second,
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		ResourceTTL:     time.Duration(getEnvInt("RESOURCE_TTL_MINUTES", 60)) * time.Minute,
		RateRPS:         getEnvFloat("RATE_RPS", 2.0),
		RateBurst:       getEnvInt("RATE_BURST", 1),
		FloodMinDelay:   time.Duration(getEnvFloat("FLOOD_MIN_DELAY_SECONDS", 1)*1000) * time.Millisecond,
		FloodMaxDelay:   time.Duration(getEnvFloat("FLOOD_MAX_DELAY_SECONDS", 60)*1000) * time.Millisecond,
		HTTPPort:        getEnvInt("HTTP_PORT", 3100),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", ""),
		LogJSON:         getEnvBool("LOG_JSON", false),
	}
	return cfg, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
