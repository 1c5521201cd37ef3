package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	NatsURL        string
	JaegerEndpoint string
	Port           string

	GatewayBaseURL       string
	GatewayAccessToken   string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	GatewaySandbox       bool

	PlatformBaseURL string
	PlatformName    string

	SweeperInterval    time.Duration
	SweeperBatch       int
	RedeliveryInterval time.Duration
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookConcurrency int

	SettlementCurrency string
	PlatformFeeRate    decimal.Decimal
	FXRateURL          string
	FXCacheTTL         time.Duration
	// FXFallbackRates is keyed by "FROM:TO". Empty means rate lookups that
	// fail are rejected.
	FXFallbackRates map[string]decimal.Decimal

	PaymentTTL time.Duration
}

func Load() *Config {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		NatsURL:        os.Getenv("NATS_URL"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		Port:           getEnv("PORT", "8084"),

		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.mercadopago.com"),
		GatewayAccessToken:   os.Getenv("GATEWAY_ACCESS_TOKEN"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       parseDuration("GATEWAY_TIMEOUT", 15*time.Second),
		GatewaySandbox:       parseBool("GATEWAY_SANDBOX", false),

		PlatformBaseURL: getEnv("PLATFORM_BASE_URL", "http://localhost:8084"),
		PlatformName:    getEnv("PLATFORM_NAME", "Platform"),

		SweeperInterval:    parseDuration("SWEEPER_INTERVAL", time.Minute),
		SweeperBatch:       parseInt("SWEEPER_BATCH", 200),
		RedeliveryInterval: parseDuration("REDELIVERY_INTERVAL", 30*time.Second),
		WebhookTimeout:     parseDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxAttempts: parseInt("WEBHOOK_MAX_ATTEMPTS", 8),
		WebhookConcurrency: parseInt("WEBHOOK_CONCURRENCY", 8),

		SettlementCurrency: strings.ToUpper(getEnv("SETTLEMENT_CURRENCY", "USD")),
		PlatformFeeRate:    parseDecimal("PLATFORM_FEE_RATE", decimal.RequireFromString("0.05")),
		FXRateURL:          os.Getenv("FX_RATE_URL"),
		FXCacheTTL:         parseDuration("FX_CACHE_TTL", 10*time.Minute),
		FXFallbackRates:    ParseRates(os.Getenv("FX_FALLBACK_RATES")),

		PaymentTTL: parseDuration("PAYMENT_TTL", 30*time.Minute),
	}
}

// ParseRates parses "ARS:USD=0.001,BRL:USD=0.2". Malformed pairs are skipped.
func ParseRates(raw string) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.Contains(key, ":") {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			continue
		}
		rates[strings.ToUpper(strings.TrimSpace(key))] = rate
	}
	return rates
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if raw, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return def
}

func parseDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := decimal.NewFromString(raw); err == nil {
			return v
		}
	}
	return def
}
