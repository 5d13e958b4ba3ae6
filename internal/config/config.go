package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	KV        KVConfig
	FreeTier  FreeTierConfig
	RateLimit RateLimitConfig
	Receipt   ReceiptConfig
	Analysis  AnalysisConfig
	Reconcile ReconcileConfig

	CatalogPath string
}

type KVConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Timeout       time.Duration
}

type FreeTierConfig struct {
	Limit  int
	Period time.Duration
}

// RateLimitPolicy bounds requests per subject inside a sliding window.
type RateLimitPolicy struct {
	DeviceLimit int
	IPLimit     int
	Window      time.Duration
}

type RateLimitConfig struct {
	Analyze  RateLimitPolicy
	Balance  RateLimitPolicy
	Purchase RateLimitPolicy
	Webhook  RateLimitPolicy
}

type ReceiptConfig struct {
	BundleID               string
	AllowSandbox           bool
	StoreKitPublicKeyPEM   string
	LegacyPublicKeyPEM     string
	StripeWebhookSecret    string
	StripeSignatureMaxSkew time.Duration
	MaxReceiptAge          time.Duration
}

type AnalysisConfig struct {
	URL     string
	Timeout time.Duration
}

type ReconcileConfig struct {
	Enabled   bool
	Interval  time.Duration
	OlderThan time.Duration
	BatchSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	window := getenvDuration("RATE_LIMIT_WINDOW", time.Minute)

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "reefbuddy"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "reefbuddy"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		KV: KVConfig{
			Driver:        strings.ToLower(getenv("KV_DRIVER", "redis")),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("REDIS_DB", 0),
			Timeout:       getenvDuration("REDIS_TIMEOUT", 500*time.Millisecond),
		},
		FreeTier: FreeTierConfig{
			Limit:  getenvInt("FREE_TIER_LIMIT", 3),
			Period: getenvDuration("FREE_TIER_PERIOD", 30*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Analyze: RateLimitPolicy{
				DeviceLimit: getenvInt("RATE_LIMIT_ANALYZE_DEVICE", 10),
				IPLimit:     getenvInt("RATE_LIMIT_ANALYZE_IP", 30),
				Window:      window,
			},
			Balance: RateLimitPolicy{
				DeviceLimit: getenvInt("RATE_LIMIT_BALANCE_DEVICE", 30),
				IPLimit:     getenvInt("RATE_LIMIT_BALANCE_IP", 60),
				Window:      window,
			},
			Purchase: RateLimitPolicy{
				DeviceLimit: getenvInt("RATE_LIMIT_PURCHASE_DEVICE", 10),
				IPLimit:     getenvInt("RATE_LIMIT_PURCHASE_IP", 30),
				Window:      window,
			},
			Webhook: RateLimitPolicy{
				IPLimit: getenvInt("RATE_LIMIT_WEBHOOK_IP", 120),
				Window:  window,
			},
		},
		Receipt: ReceiptConfig{
			BundleID:               strings.TrimSpace(getenv("APPLE_BUNDLE_ID", "")),
			AllowSandbox:           environment != "production" && getenvBool("RECEIPT_ALLOW_SANDBOX", true),
			StoreKitPublicKeyPEM:   getenvPEM("STOREKIT_PUBLIC_KEY"),
			LegacyPublicKeyPEM:     getenvPEM("LEGACY_RECEIPT_PUBLIC_KEY"),
			StripeWebhookSecret:    strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeSignatureMaxSkew: getenvDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
			MaxReceiptAge:          getenvDuration("RECEIPT_MAX_AGE", 0),
		},
		Analysis: AnalysisConfig{
			URL:     strings.TrimSpace(getenv("ANALYSIS_URL", "")),
			Timeout: getenvDuration("ANALYSIS_TIMEOUT", 60*time.Second),
		},
		Reconcile: ReconcileConfig{
			Enabled:   getenvBool("RECONCILE_ENABLED", true),
			Interval:  getenvDuration("RECONCILE_INTERVAL", time.Minute),
			OlderThan: getenvDuration("RECONCILE_OLDER_THAN", 30*time.Second),
			BatchSize: getenvInt("RECONCILE_BATCH_SIZE", 100),
		},
		CatalogPath: strings.TrimSpace(getenv("CATALOG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvPEM reads PEM material from KEY, or from the file named by KEY_FILE.
func getenvPEM(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return strings.ReplaceAll(v, `\n`, "\n")
	}
	path := strings.TrimSpace(os.Getenv(key + "_FILE"))
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
