// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with every
// operational knob overridable via environment variables (BROKER_*, HTTP_*,
// RISK_* and friends), so deployments can run config-file-free.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig holds TopStepX gateway endpoints and credentials.
// Username + APIKey are exchanged for a session token on startup; the token is
// refreshed automatically before expiry.
type BrokerConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	Username        string  `mapstructure:"username"`
	APIKey          string  `mapstructure:"api_key"`
	MarketHubURL    string  `mapstructure:"market_hub_url"`
	UserHubURL      string  `mapstructure:"user_hub_url"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"` // token-bucket refill rate
	RateLimitBurst  float64 `mapstructure:"rate_limit_burst"`   // token-bucket capacity
}

// DatabaseConfig points at the sqlite database file (or ":memory:" for tests).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig controls the control-surface server and the push stream.
type HTTPConfig struct {
	ListenAddr       string   `mapstructure:"listen_addr"`
	StreamListenAddr string   `mapstructure:"stream_listen_addr"` // empty = share ListenAddr
	AuthToken        string   `mapstructure:"auth_token"`         // bearer token for /api; empty disables auth
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
}

// TradingConfig holds exchange-session parameters.
//
//   - ExchangeTZ:   IANA zone of the exchange (session boundaries, EOD flatten).
//   - EODFlattenLocalTime: "HH:MM" exchange-local time to cancel + flatten.
//   - Symbols: contract roots loaded at startup.
type TradingConfig struct {
	ExchangeTZ          string   `mapstructure:"exchange_tz"`
	EODFlattenLocalTime string   `mapstructure:"eod_flatten_local_time"`
	Symbols             []string `mapstructure:"symbols"`
}

// RiskConfig sets the prop-firm loss rules enforced per account.
//
//   - DailyLossLimit: max net realized loss within one trading day.
//   - MaxLossLimit:   trailing drawdown from the balance high-water mark.
//   - TrailThreshold: profit above the initial balance at which the MLL
//     high-water mark stops ratcheting (prop-firm trailing rule).
//   - AutoFlattenOnViolation: flatten everything when a rule trips.
type RiskConfig struct {
	DailyLossLimit         float64 `mapstructure:"daily_loss_limit"`
	MaxLossLimit           float64 `mapstructure:"max_loss_limit"`
	TrailThreshold         float64 `mapstructure:"trail_threshold"`
	AutoFlattenOnViolation bool    `mapstructure:"auto_flatten_on_violation"`
}

// SchedulerConfig tunes the priority task scheduler.
type SchedulerConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	QueueCapacity      int `mapstructure:"queue_capacity"`
}

// CacheConfig tunes the historical-bar LRU.
type CacheConfig struct {
	BarTTLRTH time.Duration `mapstructure:"bar_ttl_rth"` // TTL during regular trading hours
	BarTTLOff time.Duration `mapstructure:"bar_ttl_off"` // TTL off-hours
	MaxRanges int           `mapstructure:"max_ranges"`  // LRU entry cap
}

// DiscordConfig holds the optional webhook used by the external notifier.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with environment overrides. A missing
// file is not an error when the required fields arrive via environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no file; fall through to env-only configuration
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.rate_limit_per_sec", 30.0)
	v.SetDefault("broker.rate_limit_burst", 30.0)
	v.SetDefault("database.url", "data/engine.db")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("trading.exchange_tz", "America/Chicago")
	v.SetDefault("trading.eod_flatten_local_time", "16:00")
	v.SetDefault("scheduler.max_concurrent_tasks", 20)
	v.SetDefault("scheduler.queue_capacity", 1000)
	v.SetDefault("cache.bar_ttl_rth", 30*time.Second)
	v.SetDefault("cache.bar_ttl_off", 10*time.Minute)
	v.SetDefault("cache.max_ranges", 256)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the documented flat environment variables onto the
// nested config. These names are the deployment contract; they win over both
// the YAML file and viper's dotted env lookups.
func applyEnvOverrides(cfg *Config) {
	setStr := func(dst *string, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setStr(&cfg.Broker.BaseURL, "BROKER_BASE_URL")
	setStr(&cfg.Broker.Username, "BROKER_USERNAME")
	setStr(&cfg.Broker.APIKey, "BROKER_API_KEY")
	setStr(&cfg.Broker.MarketHubURL, "BROKER_MARKET_HUB_URL")
	setStr(&cfg.Broker.UserHubURL, "BROKER_USER_HUB_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.HTTP.ListenAddr, "HTTP_LISTEN_ADDR")
	setStr(&cfg.HTTP.StreamListenAddr, "STREAM_LISTEN_ADDR")
	setStr(&cfg.HTTP.AuthToken, "DASHBOARD_AUTH_TOKEN")
	setStr(&cfg.Discord.WebhookURL, "DISCORD_WEBHOOK_URL")
	setStr(&cfg.Trading.EODFlattenLocalTime, "EOD_FLATTEN_LOCAL_TIME")
	setStr(&cfg.Trading.ExchangeTZ, "EXCHANGE_TZ")

	if val := os.Getenv("RISK_AUTO_FLATTEN_ON_VIOLATION"); val != "" {
		cfg.Risk.AutoFlattenOnViolation = val == "true" || val == "1"
	}
	if val := os.Getenv("RATE_LIMIT_PER_SEC"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
			cfg.Broker.RateLimitPerSec = f
		}
	}
	if val := os.Getenv("MAX_CONCURRENT_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrentTasks = n
		}
	}
	if val := os.Getenv("BAR_CACHE_TTL_RTH"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Cache.BarTTLRTH = d
		}
	}
	if val := os.Getenv("BAR_CACHE_TTL_OFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Cache.BarTTLOff = d
		}
	}
	if os.Getenv("DRY_RUN") == "true" || os.Getenv("DRY_RUN") == "1" {
		cfg.DryRun = true
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required (set BROKER_BASE_URL)")
	}
	if c.Broker.Username == "" {
		return fmt.Errorf("broker.username is required (set BROKER_USERNAME)")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set BROKER_API_KEY)")
	}
	if c.Broker.RateLimitPerSec <= 0 {
		return fmt.Errorf("broker.rate_limit_per_sec must be > 0")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if _, err := time.LoadLocation(c.Trading.ExchangeTZ); err != nil {
		return fmt.Errorf("trading.exchange_tz %q: %w", c.Trading.ExchangeTZ, err)
	}
	if err := validateLocalTime(c.Trading.EODFlattenLocalTime); err != nil {
		return fmt.Errorf("trading.eod_flatten_local_time: %w", err)
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be > 0")
	}
	if c.Risk.DailyLossLimit < 0 || c.Risk.MaxLossLimit < 0 {
		return fmt.Errorf("risk loss limits must be >= 0")
	}
	return nil
}

func validateLocalTime(s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("bad minute in %q", s)
	}
	return nil
}
