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

	Logger LoggerConfig

	HTTPAddr string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Gateway    GatewayConfig
	Settlement SettlementConfig
	Sweeper    SweeperConfig
}

type LoggerConfig struct {
	Level string
}

// GatewayConfig carries the admission-control knobs that are not part
// of the hot-reloadable tuning file.
type GatewayConfig struct {
	// PlatformFeePerRequest is the service fee the platform collects on
	// every proxied request, as a decimal string.
	PlatformFeePerRequest string
	// RequestCounterResetPeriod is the rolling window for
	// counterSinceLastReset.
	RequestCounterResetPeriod time.Duration
	// MaxRequestsPerResetPeriod denies with too_many_requests when
	// counterSinceLastReset exceeds it, regardless of balances.
	MaxRequestsPerResetPeriod int64
}

type SettlementConfig struct {
	// Concurrency bounds the number of activities settled in parallel
	// within one settlement run.
	Concurrency int
	// MonthlyChargeHoldPeriod delays the app owner's side of the
	// monthly minimum charge before it becomes eligible for settlement.
	MonthlyChargeHoldPeriod time.Duration
	// MonthlyChargeCollectionPeriod is the trailing window used to
	// decide whether the monthly minimum is currently due.
	MonthlyChargeCollectionPeriod time.Duration
	// DedupWindow is how long a dedup key suppresses redelivery.
	DedupWindow time.Duration
}

type SweeperConfig struct {
	Enabled bool
	// Spec is a cron expression for the settlement sweep.
	Spec string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "metergate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "metergate"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		Gateway: GatewayConfig{
			PlatformFeePerRequest:     getenv("GATEWAY_PLATFORM_FEE_PER_REQUEST", "0.0001"),
			RequestCounterResetPeriod: getenvDuration("GATEWAY_COUNTER_RESET_PERIOD", 60*time.Second),
			MaxRequestsPerResetPeriod: getenvInt64("GATEWAY_MAX_REQUESTS_PER_RESET_PERIOD", 6000),
		},
		Settlement: SettlementConfig{
			Concurrency:                   int(getenvInt64("SETTLEMENT_CONCURRENCY", 10)),
			MonthlyChargeHoldPeriod:       getenvDuration("SETTLEMENT_MONTHLY_CHARGE_HOLD", 30*24*time.Hour),
			MonthlyChargeCollectionPeriod: getenvDuration("SETTLEMENT_MONTHLY_COLLECTION_PERIOD", 30*24*time.Hour),
			DedupWindow:                   getenvDuration("SETTLEMENT_DEDUP_WINDOW", 5*time.Minute),
		},
		Sweeper: SweeperConfig{
			Enabled: getenvBool("SWEEPER_ENABLED", true),
			Spec:    getenv("SWEEPER_CRON", "@every 1m"),
		},
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
