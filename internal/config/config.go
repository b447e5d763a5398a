// Package config содержит логику чтения конфигурации сервиса обмена.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса обмена.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisAddress string `env:"REDIS_ADDRESS"`
	MarketAPIURL string `env:"MARKET_API_URL"`

	RatePairs           []string        `env:"RATE_PAIRS" envSeparator:"," envDefault:"BTC/USD,ETH/USD"`
	RateSpreadPercent   decimal.Decimal `env:"RATE_SPREAD_PERCENT" envDefault:"0.5"`
	RateRefreshInterval time.Duration   `env:"RATE_REFRESH_INTERVAL" envDefault:"30s"`
	RateCacheTTL        time.Duration   `env:"RATE_CACHE_TTL" envDefault:"120s"`

	CodeSecret     string `env:"CODE_SECRET"`
	CodePrefix     string `env:"CODE_PREFIX" envDefault:"EX"`
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `env:"STRIPE_API_URL"`

	WalletAPIURL        string `env:"WALLET_API_URL"`
	WalletClientID      string `env:"WALLET_CLIENT_ID"`
	WalletClientSecret  string `env:"WALLET_CLIENT_SECRET"`
	WalletWebhookSecret string `env:"WALLET_WEBHOOK_SECRET"`
	WalletReturnURL     string `env:"WALLET_RETURN_URL"`

	CryptoAddresses map[string]string `env:"CRYPTO_ADDRESSES"`

	SMTPAddress  string `env:"SMTP_ADDRESS"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"no-reply@exchanger.local"`

	TelegramAPIURL   string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"exchanger.events"`

	NotifyMaxAttempts   int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"5"`
	ExpirySweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"1m"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envMarketAPIURL := cfg.MarketAPIURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "redis", "localhost:6379", "redis address")
	flag.StringVar(&cfg.MarketAPIURL, "m", "https://api.binance.com", "market price API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envMarketAPIURL != "" {
		cfg.MarketAPIURL = envMarketAPIURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.RateSpreadPercent.IsNegative() || cfg.RateSpreadPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("rate spread must be in [0, 100): %s", cfg.RateSpreadPercent)
	}
	if cfg.NotifyMaxAttempts < 1 {
		return nil, fmt.Errorf("notify max attempts must be positive: %d", cfg.NotifyMaxAttempts)
	}

	return cfg, nil
}
