// Package config provides configuration management for the reconciler daemon.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultCheckInterval     = 15 * time.Minute
	defaultBrokerTimeout     = 10 * time.Second
	defaultQuoteCacheTTL     = 30 * time.Second
	defaultNotifyRatePerSec  = 1.0
	defaultNotifyQueueSize   = 256
	defaultServerAddr        = ":8080"
	defaultSettingsPath      = "settings.yaml"
	defaultStorageDSN        = "ledger.db"
	defaultTimezone          = "America/New_York"
	defaultTradingStartClock = "09:30"
	defaultTradingEndClock   = "16:00"
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig  `yaml:"environment"`
	Broker        BrokerConfig       `yaml:"broker"`
	Storage       StorageConfig      `yaml:"storage"`
	Redis         RedisConfig        `yaml:"redis"`
	Notifications NotificationConfig `yaml:"notifications"`
	Schedule      ScheduleConfig     `yaml:"schedule"`
	Server        ServerConfig       `yaml:"server"`
	// SettingsPath points at the hot-reloadable reconciler settings file.
	SettingsPath string `yaml:"settings_path"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines where broker positions and quotes come from.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // tradier | json
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	Sandbox   bool   `yaml:"sandbox"`
	BaseURL   string `yaml:"base_url"`
	// FeedURL is the positions endpoint for the json provider. Quotes still use Tradier.
	FeedURL   string `yaml:"feed_url"`
	FeedToken string `yaml:"feed_token"`
	Timeout   string `yaml:"timeout"`
}

// StorageConfig defines the ledger backend. A DSN ending in .json selects the
// file store, postgres:// selects Postgres, anything else is a SQLite path.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the shared quote cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

// NotificationConfig defines notification delivery.
type NotificationConfig struct {
	TelegramToken  string  `yaml:"telegram_token"`
	TelegramChatID int64   `yaml:"telegram_chat_id"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	QueueSize      int     `yaml:"queue_size"`
}

// ScheduleConfig defines the cycle interval and market hours.
type ScheduleConfig struct {
	CheckInterval   string `yaml:"check_interval"`
	Timezone        string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart    string `yaml:"trading_start"` // "HH:MM"
	TradingEnd      string `yaml:"trading_end"`   // "HH:MM"
	AfterHoursCheck bool   `yaml:"after_hours_check"`
}

// ServerConfig defines the status HTTP server. An empty Addr after
// normalization means the default; "off" disables it.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	// AuthToken guards /api when set.
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// An optional .env next to the working directory is loaded first so its
// variables are visible to ${VAR} expansion.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment variables in data, decodes it and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Quotes always come from Tradier, so its credentials are required for both providers.
	switch c.Broker.Provider {
	case "tradier":
	case "json":
		if c.Broker.FeedURL == "" {
			return fmt.Errorf("broker.feed_url is required for the json provider")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'json'")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}

	if c.Redis.Addr != "" {
		if _, err := time.ParseDuration(c.Redis.TTL); err != nil {
			return fmt.Errorf("redis.ttl invalid: %w", err)
		}
	}

	if (c.Notifications.TelegramToken == "") != (c.Notifications.TelegramChatID == 0) {
		return fmt.Errorf("notifications.telegram_token and telegram_chat_id must be set together")
	}
	if c.Notifications.RatePerSecond <= 0 {
		return fmt.Errorf("notifications.rate_per_second must be > 0")
	}
	if c.Notifications.QueueSize <= 0 {
		return fmt.Errorf("notifications.queue_size must be > 0")
	}

	if d, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil || d <= 0 {
		return fmt.Errorf("schedule.check_interval invalid: %q", c.Schedule.CheckInterval)
	}
	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return nil
}

// normalize fills defaults for fields left empty.
func (c *Config) normalize() {
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout.String()
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = defaultStorageDSN
	}
	if c.Redis.TTL == "" {
		c.Redis.TTL = defaultQuoteCacheTTL.String()
	}
	if c.Notifications.RatePerSecond == 0 {
		c.Notifications.RatePerSecond = defaultNotifyRatePerSec
	}
	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = defaultNotifyQueueSize
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = defaultCheckInterval.String()
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = defaultTradingStartClock
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = defaultTradingEndClock
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.SettingsPath == "" {
		c.SettingsPath = defaultSettingsPath
	}
}

// IsPaperTrading returns true if the daemon is configured for a paper account.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ServerEnabled reports whether the status server should be started.
func (c *Config) ServerEnabled() bool {
	return c.Server.Addr != "" && c.Server.Addr != "off"
}

// GetCheckInterval returns the configured cycle interval.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil || d <= 0 {
		return defaultCheckInterval
	}
	return d
}

// GetBrokerTimeout returns the HTTP timeout for broker calls.
func (c *Config) GetBrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return defaultBrokerTimeout
	}
	return d
}

// GetQuoteCacheTTL returns how long cached quotes stay valid.
func (c *Config) GetQuoteCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Redis.TTL)
	if err != nil || d <= 0 {
		return defaultQuoteCacheTTL
	}
	return d
}

// Location returns the market timezone used for trading hours and day boundaries.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	// Only allow Monday–Friday
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// ShouldRunCycle reports whether a reconcile cycle should run at now.
func (c *Config) ShouldRunCycle(now time.Time) bool {
	return c.Schedule.AfterHoursCheck || c.IsWithinTradingHours(now)
}
