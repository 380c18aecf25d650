package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	AppStore   AppStoreConfig   `mapstructure:"appstore"`
	GooglePlay GooglePlayConfig `mapstructure:"googleplay"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Admin      AdminConfig      `mapstructure:"admin"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // only sqlite is supported
	DSN    string `mapstructure:"dsn"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// SchedulerConfig holds ingestion scheduler settings
type SchedulerConfig struct {
	PollCron        string        `mapstructure:"poll_cron"`
	NotifyCron      string        `mapstructure:"notify_cron"`    // empty disables surfacing job
	DiscoveryCron   string        `mapstructure:"discovery_cron"` // empty disables app discovery
	ResourceTimeout time.Duration `mapstructure:"resource_timeout"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
}

// AppStoreConfig holds App Store Connect connector settings
type AppStoreConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	PageSize      int           `mapstructure:"page_size"`
	FirstRunPages int           `mapstructure:"first_run_pages"`
	MaxPages      int           `mapstructure:"max_pages"`
	ReplyLimit    int           `mapstructure:"reply_limit"`
}

// GooglePlayConfig holds Google Play Developer API connector settings
type GooglePlayConfig struct {
	Endpoint      string `mapstructure:"endpoint"` // override for testing/proxies
	PageSize      int    `mapstructure:"page_size"`
	FirstRunPages int    `mapstructure:"first_run_pages"`
	MaxPages      int    `mapstructure:"max_pages"`
	ReplyLimit    int    `mapstructure:"reply_limit"`
}

// AnthropicConfig holds Claude API settings used for drafting replies
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	Tone        string  `mapstructure:"tone"`
}

// TelegramConfig holds notification channel settings
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"` // empty means log-only notifications
}

// RateLimitConfig holds fixed-window and pacing limits
type RateLimitConfig struct {
	PollNowLimit       int           `mapstructure:"poll_now_limit"`
	PollNowWindow      time.Duration `mapstructure:"poll_now_window"`
	PostLimit          int           `mapstructure:"post_limit"`
	PostWindow         time.Duration `mapstructure:"post_window"`
	AppStoreRPS        float64       `mapstructure:"appstore_rps"`
	GooglePlayRPS      float64       `mapstructure:"googleplay_rps"`
	AnthropicPerMinute int           `mapstructure:"anthropic_per_minute"`
}

// TrackerConfig holds Google Sheets export settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// AdminConfig holds the daemon's health/admin HTTP settings
type AdminConfig struct {
	Addr string `mapstructure:"addr"` // listen address of the daemon
	URL  string `mapstructure:"url"`  // base URL the CLI uses to reach the daemon
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".review-agent"))
		}
	}

	v.SetEnvPrefix("REVIEWS")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.dsn", "REVIEWS_DATABASE_DSN")
	v.BindEnv("logging.level", "REVIEWS_LOGGING_LEVEL")
	v.BindEnv("anthropic.api_key", "REVIEWS_ANTHROPIC_API_KEY")
	v.BindEnv("telegram.bot_token", "REVIEWS_TELEGRAM_BOT_TOKEN")
	v.BindEnv("scheduler.poll_cron", "REVIEWS_SCHEDULER_POLL_CRON")
	v.BindEnv("admin.addr", "REVIEWS_ADMIN_ADDR")
	v.BindEnv("admin.url", "REVIEWS_ADMIN_URL")
	v.BindEnv("tracker.enabled", "REVIEWS_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "REVIEWS_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "REVIEWS_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "REVIEWS_TRACKER_SERVICE_ACCOUNT_JSON")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/reviews.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.poll_cron", "*/30 * * * *")
	v.SetDefault("scheduler.notify_cron", "5,35 * * * *")
	v.SetDefault("scheduler.discovery_cron", "0 6 * * *")
	v.SetDefault("scheduler.resource_timeout", "2m")
	v.SetDefault("scheduler.cycle_timeout", "30m")

	v.SetDefault("appstore.base_url", "https://api.appstoreconnect.apple.com")
	v.SetDefault("appstore.token_ttl", "20m")
	v.SetDefault("appstore.page_size", 200)
	v.SetDefault("appstore.first_run_pages", 3)
	v.SetDefault("appstore.max_pages", 50)
	v.SetDefault("appstore.reply_limit", 5970)

	v.SetDefault("googleplay.page_size", 100)
	v.SetDefault("googleplay.first_run_pages", 3)
	v.SetDefault("googleplay.max_pages", 50)
	v.SetDefault("googleplay.reply_limit", 350)

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.4)
	v.SetDefault("anthropic.tone", "Friendly, concise and professional. Thank the reviewer, address concrete points, never argue.")

	v.SetDefault("rate_limit.poll_now_limit", 3)
	v.SetDefault("rate_limit.poll_now_window", "10m")
	v.SetDefault("rate_limit.post_limit", 30)
	v.SetDefault("rate_limit.post_window", "1h")
	v.SetDefault("rate_limit.appstore_rps", 5.0)
	v.SetDefault("rate_limit.googleplay_rps", 2.0)
	v.SetDefault("rate_limit.anthropic_per_minute", 10)

	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Reviews")

	v.SetDefault("admin.addr", ":10000")
	v.SetDefault("admin.url", "http://localhost:10000")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Driver != "" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if _, err := cron.ParseStandard(c.Scheduler.PollCron); err != nil {
		return fmt.Errorf("scheduler.poll_cron: %w", err)
	}
	if c.Scheduler.NotifyCron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.NotifyCron); err != nil {
			return fmt.Errorf("scheduler.notify_cron: %w", err)
		}
	}
	if c.Scheduler.DiscoveryCron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.DiscoveryCron); err != nil {
			return fmt.Errorf("scheduler.discovery_cron: %w", err)
		}
	}
	if c.Scheduler.ResourceTimeout <= 0 {
		return fmt.Errorf("scheduler.resource_timeout must be positive")
	}
	if c.AppStore.ReplyLimit <= 0 || c.GooglePlay.ReplyLimit <= 0 {
		return fmt.Errorf("reply limits must be positive")
	}
	if c.RateLimit.PollNowLimit <= 0 || c.RateLimit.PollNowWindow <= 0 {
		return fmt.Errorf("rate_limit.poll_now_limit and poll_now_window must be positive")
	}
	if c.RateLimit.PostLimit <= 0 || c.RateLimit.PostWindow <= 0 {
		return fmt.Errorf("rate_limit.post_limit and post_window must be positive")
	}
	if c.Tracker.Enabled && c.Tracker.SpreadsheetID == "" {
		return fmt.Errorf("tracker.spreadsheet_id is required when tracker is enabled")
	}
	return nil
}
