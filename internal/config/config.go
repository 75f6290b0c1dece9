// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Ledger backends.
const (
	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`
	DatabasePath     string  `env:"DATABASE_PATH" envDefault:"./data/bot.db"`
	LogLevel         string  `env:"LOG_LEVEL" envDefault:"info"`
	AllowedUsers     UserIDs `env:"ALLOWED_USERS"`

	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	FanoutWorkers   int           `env:"FANOUT_WORKERS" envDefault:"4"`
	// SendRate is the number of Telegram messages sent per second at most.
	SendRate float64 `env:"SEND_RATE" envDefault:"20"`

	OLX OLX

	ListingRetention  time.Duration `env:"LISTING_RETENTION" envDefault:"24h"`
	DeliveryRetention time.Duration `env:"DELIVERY_RETENTION" envDefault:"48h"`
	LedgerBackend     string        `env:"LEDGER_BACKEND" envDefault:"sqlite"`
	RedisURL          string        `env:"REDIS_URL"`

	// HTTPAddr enables the ops HTTP server when set.
	HTTPAddr string `env:"HTTP_ADDR"`
}

// OLX configures the marketplace search that is polled.
type OLX struct {
	BaseURL     string        `env:"OLX_BASE_URL" envDefault:"https://www.olx.pl"`
	CategoryID  int           `env:"OLX_CATEGORY_ID" envDefault:"15"`
	RegionID    int           `env:"OLX_REGION_ID" envDefault:"4"`
	CityID      int           `env:"OLX_CITY_ID" envDefault:"8959"`
	// Optional server-side narrowing. Subscriber filters still apply on top.
	DistrictIDs []string      `env:"OLX_DISTRICT_IDS" envSeparator:","`
	MinPrice    *int          `env:"OLX_MIN_PRICE"`
	MaxPrice    *int          `env:"OLX_MAX_PRICE"`
	PageSize    int           `env:"FETCH_PAGE_SIZE" envDefault:"50"`
	MaxPages    int           `env:"FETCH_MAX_PAGES" envDefault:"5"`
	PageTimeout time.Duration `env:"FETCH_PAGE_TIMEOUT" envDefault:"10s"`
	MaxAge      time.Duration `env:"LISTING_MAX_AGE" envDefault:"48h"`
}

// UserIDs is a comma-separated list of Telegram user ids.
type UserIDs []int64

// UnmarshalText parses "1, 2,3". Empty items are ignored.
func (u *UserIDs) UnmarshalText(text []byte) error {
	var ids UserIDs
	for _, s := range strings.Split(string(text), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user ID %q: %w", s, err)
		}
		ids = append(ids, uid)
	}
	*u = ids
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case LedgerSQLite:
	case LedgerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LEDGER_BACKEND=%s", LedgerRedis)
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.SendRate <= 0 {
		return fmt.Errorf("SEND_RATE must be positive, got %v", c.SendRate)
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
