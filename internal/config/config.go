package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port     string
	Mode     string
	LogLevel string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL     string
	CacheBackend string // memory or redis

	// Google Play configuration
	PlayPackageName     string
	PlayCredentialsFile string
	PlayPublicKey       string   // base64 RSA public key from the Play Console
	OneTimeProductIDs   []string // products verified through the one-time product API
	BillingTimeout      time.Duration

	// Entitlement configuration
	TrialDays         int
	BillingPeriodDays int
	AutoConvertTrials bool

	// Verification cache configuration
	VerificationCacheTTL            time.Duration
	VerificationCacheSweepThreshold int

	// Quota configuration
	MaxFreeGenerations int
	MaxAdUnlocks       int
	AdCooldown         time.Duration

	// Inbound authentication
	GatewaySecret           string
	PubSubVerificationToken string

	// Outbound entitlement webhook
	EntitlementWebhookURL    string
	EntitlementWebhookSecret string

	AckSweepInterval time.Duration
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                            getEnv("PORT", "8080"),
		Mode:                            getEnv("GIN_MODE", "debug"),
		LogLevel:                        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:                     getEnv("DATABASE_URL", ""),
		RedisURL:                        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheBackend:                    getEnv("CACHE_BACKEND", "memory"),
		PlayPackageName:                 getEnv("PLAY_PACKAGE_NAME", ""),
		PlayCredentialsFile:             getEnv("PLAY_CREDENTIALS_FILE", ""),
		PlayPublicKey:                   getEnv("PLAY_PUBLIC_KEY", ""),
		OneTimeProductIDs:               getEnvList("PLAY_ONE_TIME_PRODUCTS"),
		BillingTimeout:                  getEnvDuration("BILLING_TIMEOUT", 5*time.Second),
		TrialDays:                       getEnvInt("TRIAL_DAYS", 7),
		BillingPeriodDays:               getEnvInt("BILLING_PERIOD_DAYS", 30),
		AutoConvertTrials:               getEnvBool("AUTO_CONVERT_TRIALS", true),
		VerificationCacheTTL:            getEnvDuration("VERIFICATION_CACHE_TTL", 5*time.Minute),
		VerificationCacheSweepThreshold: getEnvInt("VERIFICATION_CACHE_SWEEP_THRESHOLD", 1000),
		MaxFreeGenerations:              getEnvInt("MAX_FREE_GENERATIONS", 1),
		MaxAdUnlocks:                    getEnvInt("MAX_AD_UNLOCKS", 2),
		AdCooldown:                      getEnvDuration("AD_COOLDOWN", 30*time.Minute),
		GatewaySecret:                   getEnv("GATEWAY_SECRET", ""),
		PubSubVerificationToken:         getEnv("PUBSUB_VERIFICATION_TOKEN", ""),
		EntitlementWebhookURL:           getEnv("ENTITLEMENT_WEBHOOK_URL", ""),
		EntitlementWebhookSecret:        getEnv("ENTITLEMENT_WEBHOOK_SECRET", ""),
		AckSweepInterval:                getEnvDuration("ACK_SWEEP_INTERVAL", 10*time.Minute),
	}

	return nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
