package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Broker modes.
const (
	ModeSim  = "sim"
	ModeLive = "live"
)

// Event sinks.
const (
	SinkKafka = "kafka"
	SinkLog   = "log"
)

// Config holds all application configuration.
type Config struct {
	Environment string // stamped on every event envelope
	LogLevel    string
	LogFormat   string // console or json
	DBPath      string

	Broker  BrokerConfig
	Risk    RiskConfig
	Order   OrderConfig
	Outbox  OutboxConfig
	Stream  StreamConfig
	Kafka   KafkaConfig
	Metrics MetricsConfig
	Sizing  SizingConfig
}

// BrokerConfig selects and configures the execution venue.
type BrokerConfig struct {
	Mode      string // sim or live
	APIKey    string
	SecretKey string
	IsTestnet bool
	AccountID string // account the live key trades for
	SimFill   bool   // sim broker fills orders immediately
}

// RiskConfig seeds the GLOBAL risk rule and schedules the risk jobs.
type RiskConfig struct {
	MaxPositionValue       decimal.NullDecimal
	MaxOpenOrders          int
	MaxOrdersPerMinute     int
	DailyLossLimit         decimal.NullDecimal
	MaxConsecutiveFailures int
	DailyResetSchedule     string // cron spec, UTC
	ReconcileSchedule      string // cron spec for broker position reconciliation
}

// OrderConfig bounds broker submission.
type OrderConfig struct {
	SubmitTimeout  time.Duration
	SubmitAttempts int
	RetryBase      time.Duration
	RetryMax       time.Duration
}

// OutboxConfig tunes the publisher.
type OutboxConfig struct {
	Sink           string
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	PublishTimeout time.Duration
}

// StreamConfig tunes the stream connection manager.
type StreamConfig struct {
	Symbols         []string
	HealthInterval  time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	MaxAttempts     int
	CredentialSlack time.Duration // refresh credentials this long before expiry
}

// KafkaConfig configures the event sink and the signal consumer.
type KafkaConfig struct {
	Brokers      []string
	EventsTopic  string
	SignalsTopic string // empty disables the signal consumer
	GroupID      string
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string // empty disables the endpoint
}

// SizingConfig converts WEIGHT signals into quantities.
type SizingConfig struct {
	Equity            decimal.Decimal
	QuantityPrecision int32
	UseLimitOrders    bool
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	cfg.Environment = getEnv("ENVIRONMENT", "paper")
	cfg.LogLevel = getEnv("LOG_LEVEL", "INFO")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		fail("LOG_FORMAT must be console or json")
	}
	cfg.DBPath = getEnv("DB_PATH", "./data/trade_engine.db")

	// Broker
	cfg.Broker.Mode = strings.ToLower(getEnv("BROKER_MODE", ModeSim))
	cfg.Broker.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.Broker.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.Broker.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.Broker.AccountID = getEnv("BROKER_ACCOUNT_ID", "default")
	cfg.Broker.SimFill = getEnvAsBool("SIM_AUTO_FILL", true)
	switch cfg.Broker.Mode {
	case ModeSim:
	case ModeLive:
		if cfg.Broker.APIKey == "" {
			fail("BINANCE_API_KEY must be set in live mode")
		}
		if cfg.Broker.SecretKey == "" {
			fail("BINANCE_API_SECRET must be set in live mode")
		}
	default:
		fail("BROKER_MODE must be sim or live, got %q", cfg.Broker.Mode)
	}

	// Risk
	var err error
	if cfg.Risk.MaxPositionValue, err = getEnvAsNullDecimal("RISK_MAX_POSITION_VALUE"); err != nil {
		fail("invalid RISK_MAX_POSITION_VALUE: %v", err)
	}
	if cfg.Risk.DailyLossLimit, err = getEnvAsNullDecimal("RISK_DAILY_LOSS_LIMIT"); err != nil {
		fail("invalid RISK_DAILY_LOSS_LIMIT: %v", err)
	} else if cfg.Risk.DailyLossLimit.Valid && !cfg.Risk.DailyLossLimit.Decimal.IsPositive() {
		fail("RISK_DAILY_LOSS_LIMIT must be positive")
	}
	cfg.Risk.MaxOpenOrders = nonNegativeInt("RISK_MAX_OPEN_ORDERS", 20, fail)
	cfg.Risk.MaxOrdersPerMinute = nonNegativeInt("RISK_MAX_ORDERS_PER_MINUTE", 60, fail)
	cfg.Risk.MaxConsecutiveFailures = nonNegativeInt("RISK_MAX_CONSECUTIVE_FAILURES", 5, fail)
	cfg.Risk.DailyResetSchedule = getEnv("RISK_DAILY_RESET_CRON", "0 0 * * *")
	cfg.Risk.ReconcileSchedule = getEnv("RECONCILE_CRON", "*/5 * * * *")

	// Order
	cfg.Order.SubmitTimeout = positiveDuration("ORDER_SUBMIT_TIMEOUT", 5*time.Second, fail)
	cfg.Order.SubmitAttempts = nonNegativeInt("ORDER_SUBMIT_ATTEMPTS", 3, fail)
	if cfg.Order.SubmitAttempts == 0 {
		fail("ORDER_SUBMIT_ATTEMPTS must be positive")
	}
	cfg.Order.RetryBase = positiveDuration("ORDER_RETRY_BASE", 200*time.Millisecond, fail)
	cfg.Order.RetryMax = positiveDuration("ORDER_RETRY_MAX", 2*time.Second, fail)

	// Outbox
	cfg.Outbox.Sink = strings.ToLower(getEnv("OUTBOX_SINK", SinkLog))
	if cfg.Outbox.Sink != SinkKafka && cfg.Outbox.Sink != SinkLog {
		fail("OUTBOX_SINK must be kafka or log, got %q", cfg.Outbox.Sink)
	}
	cfg.Outbox.PollInterval = positiveDuration("OUTBOX_POLL_INTERVAL", time.Second, fail)
	cfg.Outbox.BatchSize = nonNegativeInt("OUTBOX_BATCH_SIZE", 100, fail)
	if cfg.Outbox.BatchSize == 0 {
		fail("OUTBOX_BATCH_SIZE must be positive")
	}
	cfg.Outbox.MaxRetries = nonNegativeInt("OUTBOX_MAX_RETRIES", 10, fail)
	cfg.Outbox.RetryBase = positiveDuration("OUTBOX_RETRY_BASE", time.Second, fail)
	cfg.Outbox.RetryMax = positiveDuration("OUTBOX_RETRY_MAX", 5*time.Minute, fail)
	cfg.Outbox.PublishTimeout = positiveDuration("OUTBOX_PUBLISH_TIMEOUT", 10*time.Second, fail)

	// Stream
	cfg.Stream.Symbols = getEnvAsList("STREAM_SYMBOLS", []string{"BTCUSDT"})
	cfg.Stream.HealthInterval = positiveDuration("STREAM_HEALTH_INTERVAL", 10*time.Second, fail)
	cfg.Stream.ReconnectBase = positiveDuration("STREAM_RECONNECT_BASE", time.Second, fail)
	cfg.Stream.ReconnectMax = positiveDuration("STREAM_RECONNECT_MAX", 30*time.Second, fail)
	cfg.Stream.MaxAttempts = nonNegativeInt("STREAM_MAX_RECONNECT_ATTEMPTS", 10, fail)
	if cfg.Stream.MaxAttempts == 0 {
		fail("STREAM_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	cfg.Stream.CredentialSlack = positiveDuration("STREAM_CREDENTIAL_SLACK", 5*time.Minute, fail)
	if cfg.Stream.ReconnectBase > cfg.Stream.ReconnectMax {
		fail("STREAM_RECONNECT_BASE must not exceed STREAM_RECONNECT_MAX")
	}

	// Kafka
	cfg.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"})
	cfg.Kafka.EventsTopic = getEnv("KAFKA_EVENTS_TOPIC", "trade-engine.events")
	cfg.Kafka.SignalsTopic = getEnv("KAFKA_SIGNALS_TOPIC", "")
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", "trade-engine")
	if (cfg.Outbox.Sink == SinkKafka || cfg.Kafka.SignalsTopic != "") && len(cfg.Kafka.Brokers) == 0 {
		fail("KAFKA_BROKERS must be set when Kafka is used")
	}

	// Metrics
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9090")

	// Sizing
	equity, err := getEnvAsNullDecimal("SIZING_EQUITY")
	if err != nil {
		fail("invalid SIZING_EQUITY: %v", err)
	}
	cfg.Sizing.Equity = equity.Decimal
	cfg.Sizing.QuantityPrecision = int32(nonNegativeInt("SIZING_QUANTITY_PRECISION", 3, fail))
	cfg.Sizing.UseLimitOrders = getEnvAsBool("SIZING_LIMIT_ORDERS", false)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func nonNegativeInt(key string, defaultValue int, fail func(string, ...interface{})) int {
	v, err := getEnvAsIntRequired(key, defaultValue)
	if err != nil {
		fail("invalid %s: %v", key, err)
		return defaultValue
	}
	if v < 0 {
		fail("%s cannot be negative", key)
	}
	return v
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func positiveDuration(key string, defaultValue time.Duration, fail func(string, ...interface{})) time.Duration {
	v, err := getEnvAsDurationRequired(key, defaultValue)
	if err != nil {
		fail("invalid %s: %v", key, err)
		return defaultValue
	}
	if v <= 0 {
		fail("%s must be positive", key)
	}
	return v
}

// getEnvAsNullDecimal returns an invalid NullDecimal when the variable is unset.
func getEnvAsNullDecimal(key string) (decimal.NullDecimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return decimal.NullDecimal{}, nil
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid decimal value '%s' for key %s: %w", valueStr, key, err)
	}
	return decimal.NewNullDecimal(value), nil
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
