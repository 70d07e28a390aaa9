// Package config loads service configuration from an optional YAML file
// layered under environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the plus engine.
type Config struct {
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	Redis       Redis       `yaml:"redis"`
	Auth        Auth        `yaml:"auth"`
	Quotes      Quotes      `yaml:"quotes"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Plus        Plus        `yaml:"plus"`
	Risk        Risk        `yaml:"risk"`
	Leaderboard Leaderboard `yaml:"leaderboard"`
	Logging     Logging     `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database holds the PostgreSQL connection string. Empty selects the
// in-memory store.
type Database struct {
	URL string `yaml:"url"`
}

// Redis holds the shared cache connection. Empty disables Redis.
type Redis struct {
	URL         string        `yaml:"url"`
	SettingsTTL time.Duration `yaml:"settings_ttl"`
}

// Auth holds token verification parameters. Tokens are minted elsewhere.
type Auth struct {
	JWTSecret     string `yaml:"jwt_secret"`
	Issuer        string `yaml:"issuer"`
	InternalToken string `yaml:"internal_token"`
}

// Quotes configures market data fetching and caching.
type Quotes struct {
	YahooURL        string        `yaml:"yahoo_url"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	QuoteTTL        time.Duration `yaml:"quote_ttl"`
	FXTTL           time.Duration `yaml:"fx_ttl"`
}

// Alpaca holds credentials for the fallback market-data source. An empty
// key disables it.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Plus holds the synthetic instrument policy.
type Plus struct {
	OptionPremiumRate float64 `yaml:"option_premium_rate"`
	MaxLeverage       int     `yaml:"max_leverage"`
}

// Risk configures the TP/SL sweep.
type Risk struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// Leaderboard holds ranking and badge parameters.
type Leaderboard struct {
	Timezone           string        `yaml:"timezone"`
	TopN               int           `yaml:"top_n"`
	BigGainerPct       float64       `yaml:"big_gainer_pct"`
	ActiveTraderOrders int           `yaml:"active_trader_orders"`
	ComebackOrders     int           `yaml:"comeback_orders"`
	Concurrency        int           `yaml:"concurrency"`
	CacheTTL           time.Duration `yaml:"cache_ttl"` // zero disables result caching
	Valuation          string        `yaml:"valuation"` // mark (qty x price) or liquidation
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080", ShutdownTimeout: 5 * time.Second},
		Redis:  Redis{SettingsTTL: 30 * time.Second},
		Auth:   Auth{Issuer: "ecolebourse"},
		Quotes: Quotes{
			RateLimitPerMin: 120,
			QuoteTTL:        15 * time.Second,
			FXTTL:           15 * time.Second,
		},
		Alpaca: Alpaca{Feed: "iex"},
		Plus:   Plus{OptionPremiumRate: 0.05, MaxLeverage: 50},
		Risk:   Risk{PollInterval: 30 * time.Second, Concurrency: 8},
		Leaderboard: Leaderboard{
			Timezone:           "Europe/Paris",
			TopN:               10,
			BigGainerPct:       0.05,
			ActiveTraderOrders: 5,
			ComebackOrders:     3,
			Concurrency:        8,
			CacheTTL:           time.Minute,
			Valuation:          "mark",
		},
		Logging: Logging{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	setString("PORT", &cfg.Server.Port)
	setString("DATABASE_URL", &cfg.Database.URL)
	setString("REDIS_URL", &cfg.Redis.URL)
	setString("JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("JWT_ISSUER", &cfg.Auth.Issuer)
	setString("INTERNAL_TOKEN", &cfg.Auth.InternalToken)
	setString("YAHOO_URL", &cfg.Quotes.YahooURL)
	setInt("QUOTE_RATE_LIMIT_PER_MIN", &cfg.Quotes.RateLimitPerMin)
	setDuration("QUOTE_TTL", &cfg.Quotes.QuoteTTL)
	setDuration("FX_TTL", &cfg.Quotes.FXTTL)
	setString("ALPACA_API_KEY", &cfg.Alpaca.APIKey)
	setString("ALPACA_API_SECRET", &cfg.Alpaca.APISecret)
	setString("ALPACA_DATA_URL", &cfg.Alpaca.DataURL)
	setString("ALPACA_FEED", &cfg.Alpaca.Feed)
	setFloat("OPTION_PREMIUM_RATE", &cfg.Plus.OptionPremiumRate)
	setInt("MAX_LEVERAGE", &cfg.Plus.MaxLeverage)
	setDuration("TPSL_POLL_INTERVAL", &cfg.Risk.PollInterval)
	setInt("TPSL_CONCURRENCY", &cfg.Risk.Concurrency)
	setString("LEADERBOARD_TZ", &cfg.Leaderboard.Timezone)
	setDuration("LEADERBOARD_CACHE_TTL", &cfg.Leaderboard.CacheTTL)
	setString("LEADERBOARD_VALUATION", &cfg.Leaderboard.Valuation)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	setString("APCA_API_KEY_ID", &cfg.Alpaca.APIKey)
	setString("APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret)

	return errors.Join(errs...)
}

// Validate checks the invariants the services rely on.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Quotes.QuoteTTL <= 0 || c.Quotes.FXTTL <= 0 {
		errs = append(errs, errors.New("quote and fx TTLs must be positive"))
	}
	if c.Plus.OptionPremiumRate <= 0 || c.Plus.OptionPremiumRate > 1 {
		errs = append(errs, fmt.Errorf("plus.option_premium_rate %v must be in (0,1]", c.Plus.OptionPremiumRate))
	}
	if c.Plus.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("plus.max_leverage %d must be >= 1", c.Plus.MaxLeverage))
	}
	if c.Risk.PollInterval < 0 {
		errs = append(errs, errors.New("risk.poll_interval must not be negative"))
	}
	if _, err := time.LoadLocation(c.Leaderboard.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("leaderboard.timezone: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(c.Leaderboard.Valuation)) {
	case "", "mark", "liquidation":
	default:
		errs = append(errs, fmt.Errorf("leaderboard.valuation %q must be mark or liquidation", c.Leaderboard.Valuation))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location returns the leaderboard timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Leaderboard.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
