package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("TRADIER_API_KEY", "test-key")
	t.Setenv("TRADIER_ACCOUNT_ID", "test-account")

	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.APIKey != "test-key" {
		t.Errorf("Expected api_key to be expanded from env, got %q", cfg.Broker.APIKey)
	}
	if cfg.GetCheckInterval() != 15*time.Minute {
		t.Errorf("Expected 15m interval, got %v", cfg.GetCheckInterval())
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
environment:
  mode: paper
broker:
  api_key: k
  account_id: a
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.Provider != "tradier" {
		t.Errorf("provider default = %q", cfg.Broker.Provider)
	}
	if cfg.Storage.DSN != defaultStorageDSN {
		t.Errorf("dsn default = %q", cfg.Storage.DSN)
	}
	if cfg.SettingsPath != defaultSettingsPath {
		t.Errorf("settings_path default = %q", cfg.SettingsPath)
	}
	if cfg.GetBrokerTimeout() != defaultBrokerTimeout {
		t.Errorf("broker timeout = %v", cfg.GetBrokerTimeout())
	}
	if cfg.GetQuoteCacheTTL() != defaultQuoteCacheTTL {
		t.Errorf("quote ttl = %v", cfg.GetQuoteCacheTTL())
	}
	if !cfg.ServerEnabled() {
		t.Error("server should be enabled by default")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("environment:\n  mode: paper\n  colour: blue\n"))
	if err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Config{
			Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
			Broker:      BrokerConfig{Provider: "tradier", APIKey: "k", AccountID: "a"},
		}
		c.normalize()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "prod" }, "environment.mode"},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "trace" }, "environment.log_level"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key"},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }, "broker.account_id"},
		{"unknown provider", func(c *Config) { c.Broker.Provider = "ibkr" }, "broker.provider"},
		{"json without url", func(c *Config) { c.Broker.Provider = "json" }, "broker.feed_url"},
		{"json with url", func(c *Config) {
			c.Broker.Provider = "json"
			c.Broker.FeedURL = "http://localhost/positions"
		}, ""},
		{"bad timeout", func(c *Config) { c.Broker.Timeout = "soon" }, "broker.timeout"},
		{"bad redis ttl", func(c *Config) {
			c.Redis.Addr = "localhost:6379"
			c.Redis.TTL = "x"
		}, "redis.ttl"},
		{"telegram token without chat", func(c *Config) { c.Notifications.TelegramToken = "t" }, "telegram_chat_id"},
		{"zero interval", func(c *Config) { c.Schedule.CheckInterval = "0s" }, "schedule.check_interval"},
		{"window reversed", func(c *Config) {
			c.Schedule.TradingStart = "16:00"
			c.Schedule.TradingEnd = "09:30"
		}, "trading window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error message to contain '%s', got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := &Config{Schedule: ScheduleConfig{
		Timezone:     "UTC",
		TradingStart: "09:30",
		TradingEnd:   "16:00",
	}}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday open", time.Date(2026, 10, 12, 9, 30, 0, 0, time.UTC), true},
		{"monday before open", time.Date(2026, 10, 12, 9, 29, 0, 0, time.UTC), false},
		{"monday close is exclusive", time.Date(2026, 10, 12, 16, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsWithinTradingHours(tt.at); got != tt.want {
				t.Errorf("IsWithinTradingHours(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	cfg.Schedule.AfterHoursCheck = true
	if !cfg.ShouldRunCycle(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)) {
		t.Error("after_hours_check should allow weekend cycles")
	}
}
