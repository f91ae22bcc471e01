package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config carries every runtime knob. Settlement policy values (fee rate,
// bid increments, retry curve) are deliberately not hardcoded anywhere in
// the engine; they all flow from here.
type Config struct {
	Port  string
	Env   string
	DBURL string
	// Store selects the backing store: "postgres" (default when DATABASE_URL
	// is set) or "memory" for local development.
	Store string

	// Marketplace policy
	FeeRate         decimal.Decimal // fraction of amount, e.g. 0.025
	StartingCredits decimal.Decimal
	MinListingPrice decimal.Decimal

	// Auction policy
	MinIncrementPct  decimal.Decimal // fraction of the current leading bid
	MinIncrementFlat decimal.Decimal // floor when pct of leader is below this

	// Negotiation policy
	OfferTTL time.Duration

	// Transaction policy
	AutoCompleteAfter time.Duration
	RefundFee         bool // reverse the platform fee on refunds

	// Webhook delivery
	WebhookWorkers     int
	WebhookMaxAttempts int
	WebhookBaseBackoff time.Duration
	WebhookMaxBackoff  time.Duration
	WebhookTimeout     time.Duration
	WebhookSecret      string

	// Expiry scheduler
	ExpiryPollInterval time.Duration

	// HTTP policy: sustained write requests per second per client IP.
	WriteRateLimit int
}

// Load reads configuration from the environment, honouring a local .env
// file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Env:   getEnv("ENVIRONMENT", "development"),
		DBURL: os.Getenv("DATABASE_URL"),
		Store: getEnv("STORE", ""),

		FeeRate:         getDecimal("FEE_RATE", "0.025"),
		StartingCredits: getDecimal("STARTING_CREDITS", "100"),
		MinListingPrice: getDecimal("MIN_LISTING_PRICE", "0.01"),

		MinIncrementPct:  getDecimal("MIN_BID_INCREMENT_PCT", "0.05"),
		MinIncrementFlat: getDecimal("MIN_BID_INCREMENT_FLAT", "1"),

		OfferTTL: getDuration("OFFER_TTL", 24*time.Hour),

		AutoCompleteAfter: getDuration("AUTO_COMPLETE_AFTER", 72*time.Hour),
		RefundFee:         getBool("REFUND_FEE", true),

		WebhookWorkers:     getInt("WEBHOOK_WORKERS", 4),
		WebhookMaxAttempts: getInt("WEBHOOK_MAX_ATTEMPTS", 8),
		WebhookBaseBackoff: getDuration("WEBHOOK_BASE_BACKOFF", 5*time.Second),
		WebhookMaxBackoff:  getDuration("WEBHOOK_MAX_BACKOFF", 15*time.Minute),
		WebhookTimeout:     getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),

		ExpiryPollInterval: getDuration("EXPIRY_POLL_INTERVAL", time.Second),

		WriteRateLimit: getInt("WRITE_RATE_LIMIT", 20),
	}

	if cfg.Store == "" {
		if cfg.DBURL != "" {
			cfg.Store = "postgres"
		} else {
			cfg.Store = "memory"
		}
	}
	if cfg.Store == "postgres" && cfg.DBURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("FEE_RATE must be in [0,1), got %s", cfg.FeeRate)
	}
	if cfg.WebhookMaxAttempts < 1 {
		return nil, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.WriteRateLimit < 1 {
		return nil, fmt.Errorf("WRITE_RATE_LIMIT must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}
