package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	// Configuration bundles (registry, policy, thresholds, retention).
	// Empty means the built-in bundle.
	ConfigBundlePath string

	// Scanning
	ScanTimeout     time.Duration
	ScanParallelism int
	MaxContentBytes int
	ScanRateLimit   float64
	ScanRateBurst   int

	// Transformation
	HashSalt       string
	KeyProvider    string
	LocalKeys      map[string]string
	IdempotencyTTL time.Duration
	DisposalRoles  []string
	RetryGrace     time.Duration
	AdminJWTSecret string
	JWTIssuer      string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ReportBucket        string
	EventsQueueURL      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		ConfigBundlePath: getEnv("CONFIG_BUNDLE_PATH", ""),

		ScanTimeout:     getEnvAsDuration("SCAN_TIMEOUT", 5*time.Second),
		ScanParallelism: getEnvAsInt("SCAN_PARALLELISM", 0),
		MaxContentBytes: getEnvAsInt("MAX_CONTENT_BYTES", 1<<20),
		ScanRateLimit:   getEnvAsFloat("SCAN_RATE_LIMIT", 10),
		ScanRateBurst:   getEnvAsInt("SCAN_RATE_BURST", 20),

		HashSalt:       getEnv("HASH_SALT", ""),
		KeyProvider:    strings.ToLower(strings.TrimSpace(getEnv("KEY_PROVIDER", "local"))),
		LocalKeys:      getEnvAsMap("LOCAL_REVERSAL_KEYS"),
		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		DisposalRoles:  getEnvAsList("DISPOSAL_ROLES", []string{"privacy_officer"}),
		RetryGrace:     getEnvAsDuration("TRANSFORM_RETRY_GRACE", 24*time.Hour),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		JWTIssuer:      getEnv("JWT_ISSUER", ""),

		AWSRegion:           getEnv("AWS_REGION", "ca-central-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ReportBucket:        getEnv("REPORT_BUCKET", ""),
		EventsQueueURL:      getEnv("EVENTS_QUEUE_URL", ""),

		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 25),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
	}
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	if len(c.HashSalt) < 16 {
		return phierr.Configuration("config", "HASH_SALT", errors.New("HASH_SALT must be at least 16 bytes"))
	}
	switch c.KeyProvider {
	case "local", "aws":
	default:
		return phierr.Configurationf("config", "KEY_PROVIDER", "unknown key provider %q", c.KeyProvider)
	}
	if c.Env == "production" {
		if c.AdminJWTSecret == "" {
			return phierr.Configuration("config", "ADMIN_JWT_SECRET", errors.New("ADMIN_JWT_SECRET is required in production"))
		}
		if c.DatabaseURL == "" {
			return phierr.Configuration("config", "DATABASE_URL", errors.New("DATABASE_URL is required in production"))
		}
	}
	return nil
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

// getEnvAsList splits a comma-separated value.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsMap parses id=value pairs separated by commas.
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvAsList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}
