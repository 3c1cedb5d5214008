package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Provider configuration
	PolygonAPIKey string

	// Telegram configuration
	TelegramBotToken string

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// HTTP API
	APIPort int

	// Scan configuration
	Scan ScanConfig

	// Per-user defaults applied when a user has no settings row
	Defaults DefaultPolicy
}

// ScanConfig holds scheduler and worker tuning parameters
type ScanConfig struct {
	CadenceHigh   time.Duration // high tier scan interval
	CadenceMedium time.Duration // medium tier scan interval
	CadenceLow    time.Duration // low tier scan interval

	WorkerCount        int // concurrent scan workers
	QueueHighWaterMark int // skip enqueue when scan queue grows past this

	ProviderTimeout  time.Duration
	CacheTimeout     time.Duration
	DatabaseTimeout  time.Duration
	MessengerTimeout time.Duration

	FetchMaxRetries int
	DeltaFFMin      float64 // minimum FF improvement over the last alert to re-alert
}

// DefaultPolicy holds the default signal policy for users without a settings row
type DefaultPolicy struct {
	FFThreshold     float64
	SigmaFwdFloor   float64
	MinOpenInterest int
	MinVolume       int
	MaxBidAskPct    float64
	StabilityScans  int
	CooldownMinutes int
	Timezone        string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		PolygonAPIKey:    os.Getenv("POLYGON_API_KEY"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "ffscanner"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "ffscanner"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		APIPort: getEnvInt("API_PORT", 8080),

		Scan: ScanConfig{
			CadenceHigh:   time.Duration(getEnvInt("SCAN_CADENCE_HIGH_MINUTES", 3)) * time.Minute,
			CadenceMedium: time.Duration(getEnvInt("SCAN_CADENCE_MEDIUM_MINUTES", 15)) * time.Minute,
			CadenceLow:    time.Duration(getEnvInt("SCAN_CADENCE_LOW_MINUTES", 60)) * time.Minute,

			WorkerCount:        getEnvInt("SCAN_WORKER_COUNT", 4),
			QueueHighWaterMark: getEnvInt("SCAN_QUEUE_HIGH_WATER_MARK", 500),

			ProviderTimeout:  time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
			CacheTimeout:     time.Duration(getEnvInt("CACHE_TIMEOUT_SECONDS", 1)) * time.Second,
			DatabaseTimeout:  time.Duration(getEnvInt("DB_TIMEOUT_SECONDS", 5)) * time.Second,
			MessengerTimeout: time.Duration(getEnvInt("MESSENGER_TIMEOUT_SECONDS", 15)) * time.Second,

			FetchMaxRetries: getEnvInt("FETCH_MAX_RETRIES", 3),
			DeltaFFMin:      getEnvFloat("DELTA_FF_MIN", 0.02),
		},

		Defaults: DefaultPolicy{
			FFThreshold:     getEnvFloat("DEFAULT_FF_THRESHOLD", 0.20),
			SigmaFwdFloor:   getEnvFloat("DEFAULT_SIGMA_FWD_FLOOR", 0.05),
			MinOpenInterest: getEnvInt("DEFAULT_MIN_OPEN_INTEREST", 100),
			MinVolume:       getEnvInt("DEFAULT_MIN_VOLUME", 10),
			MaxBidAskPct:    getEnvFloat("DEFAULT_MAX_BID_ASK_PCT", 0.08),
			StabilityScans:  getEnvInt("DEFAULT_STABILITY_SCANS", 2),
			CooldownMinutes: getEnvInt("DEFAULT_COOLDOWN_MINUTES", 120),
			Timezone:        getEnvOrDefault("DEFAULT_TIMEZONE", "America/Vancouver"),
		},
	}
}

// CadenceForTier returns the scan interval for a tier, defaulting to low
func (s ScanConfig) CadenceForTier(tier string) time.Duration {
	switch tier {
	case "high":
		return s.CadenceHigh
	case "medium":
		return s.CadenceMedium
	default:
		return s.CadenceLow
	}
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
