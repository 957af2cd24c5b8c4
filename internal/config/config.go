package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Billing mode selects which quota variant guards assessment requests.
const (
	BillingModeCredits = "credits"
	BillingModeDaily   = "daily"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

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

	RedisAddr     string
	RedisPassword string

	AgentBaseURL   string
	AgentTimeoutMS int

	Billing BillingConfig
}

// BillingConfig carries the quota/credit knobs.
type BillingConfig struct {
	Enabled          bool
	Mode             string
	FreeRequestUnits int64
	DailyLimit       int64
	Currency         string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "complykit"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "complykit"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		AgentBaseURL:   strings.TrimSpace(getenv("AGENT_BASE_URL", "http://localhost:8090")),
		AgentTimeoutMS: getenvInt("AGENT_TIMEOUT_MS", 300_000),

		Billing: BillingConfig{
			Enabled:          getenvBool("BILLING_ENABLED", false),
			Mode:             normalizeBillingMode(getenv("BILLING_MODE", BillingModeDaily)),
			FreeRequestUnits: getenvInt64("FREE_REQUEST_UNITS_ON_SIGNUP", 5),
			DailyLimit:       getenvInt64("DAILY_REQUEST_LIMIT", 20),
			Currency:         strings.ToLower(getenv("BILLING_CURRENCY", "eur")),

			StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeSuccessURL:    getenv("STRIPE_SUCCESS_URL", "http://localhost:8501"),
			StripeCancelURL:     getenv("STRIPE_CANCEL_URL", "http://localhost:8501"),
		},
	}

	return cfg
}

func normalizeBillingMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BillingModeCredits:
		return BillingModeCredits
	case BillingModeDaily:
		return BillingModeDaily
	default:
		return BillingModeDaily
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
