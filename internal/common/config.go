package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment    string          `toml:"environment"`     // "development" or "production"
	DefaultAccount string          `toml:"default_account"` // Account the scheduled jobs operate on
	Server         ServerConfig    `toml:"server"`
	Storage        StorageConfig   `toml:"storage"`
	Logging        LoggingConfig   `toml:"logging"`
	RateLimit      RateLimitConfig `toml:"ratelimit"`
	Sync           SyncConfig      `toml:"sync"`
	Scheduler      SchedulerConfig `toml:"scheduler"`
	Remote         RemoteConfig    `toml:"remote"`
	WebSocket      WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// RateLimitConfig tunes the outbound call budget against the remote API.
type RateLimitConfig struct {
	DefaultCooldown time.Duration `toml:"default_cooldown"` // Minimum gap between calls under one key
	RefreshCooldown time.Duration `toml:"refresh_cooldown"` // Minimum gap between token refreshes
	SyncCooldown    time.Duration `toml:"sync_cooldown"`    // Minimum gap between syncs of one resource
	Window          time.Duration `toml:"window"`           // Rolling budget window per key
	WindowBudget    int           `toml:"window_budget"`    // Max calls per key per window
	CircuitCeiling  int           `toml:"circuit_ceiling"`  // Total calls across keys that trip the breaker
	CircuitInterval time.Duration `toml:"circuit_interval"` // Window the ceiling is measured over
	CircuitCooloff  time.Duration `toml:"circuit_cooloff"`  // How long the breaker stays open
}

// SyncConfig tunes the bulk data loads.
type SyncConfig struct {
	InterCallDelay time.Duration `toml:"inter_call_delay"` // Gap between resource fetches in a bulk load
	Resources      []string      `toml:"resources"`        // Resource types a scheduled bulk sync pulls
}

// SchedulerConfig enables the background maintenance jobs.
type SchedulerConfig struct {
	Enabled              bool   `toml:"enabled"`
	RefreshSweepSchedule string `toml:"refresh_sweep_schedule"` // Cron schedule for the proactive refresh sweep
	BulkSyncEnabled      bool   `toml:"bulk_sync_enabled"`
	BulkSyncSchedule     string `toml:"bulk_sync_schedule"` // Cron schedule for the scheduled bulk sync
}

// RemoteConfig points at the accounting provider.
type RemoteConfig struct {
	BaseURL        string        `toml:"base_url"`
	AuthURL        string        `toml:"auth_url"`
	TokenURL       string        `toml:"token_url"`
	RequestTimeout time.Duration `toml:"request_timeout"` // HTTP request timeout
	RateLimit      int           `toml:"rate_limit"`      // Politeness ceiling in requests per second
}

// WebSocketConfig contains configuration for status event streaming
type WebSocketConfig struct {
	MinLevel string `toml:"min_level"` // Minimum log level to broadcast ("debug", "info", "warn", "error")
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in ledgerlink.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment:    "development",
		DefaultAccount: "default",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		RateLimit: RateLimitConfig{
			DefaultCooldown: 2 * time.Second,
			RefreshCooldown: 5 * time.Second,
			SyncCooldown:    10 * time.Second,
			Window:          30 * time.Second,
			WindowBudget:    8,
			CircuitCeiling:  30,
			CircuitInterval: 10 * time.Second,
			CircuitCooloff:  30 * time.Second,
		},
		Sync: SyncConfig{
			InterCallDelay: 500 * time.Millisecond,
			Resources:      []string{"Organisation", "Accounts", "Contacts", "Invoices", "Payments"},
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			RefreshSweepSchedule: "*/5 * * * *", // Every 5 minutes
			BulkSyncEnabled:      false,         // Disabled by default - user must explicitly opt-in
			BulkSyncSchedule:     "0 2 * * *",   // 2am daily
		},
		Remote: RemoteConfig{
			RequestTimeout: 30 * time.Second,
			RateLimit:      5,
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override every file.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: LEDGERLINK_ENV, fallback: GO_ENV)
	if env := os.Getenv("LEDGERLINK_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if account := os.Getenv("LEDGERLINK_DEFAULT_ACCOUNT"); account != "" {
		config.DefaultAccount = account
	}

	// Server configuration
	if port := os.Getenv("LEDGERLINK_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LEDGERLINK_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("LEDGERLINK_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("LEDGERLINK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LEDGERLINK_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("LEDGERLINK_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Rate limit configuration
	if cooldown := os.Getenv("LEDGERLINK_RATELIMIT_DEFAULT_COOLDOWN"); cooldown != "" {
		if d, err := time.ParseDuration(cooldown); err == nil {
			config.RateLimit.DefaultCooldown = d
		}
	}
	if cooldown := os.Getenv("LEDGERLINK_RATELIMIT_REFRESH_COOLDOWN"); cooldown != "" {
		if d, err := time.ParseDuration(cooldown); err == nil {
			config.RateLimit.RefreshCooldown = d
		}
	}
	if cooldown := os.Getenv("LEDGERLINK_RATELIMIT_SYNC_COOLDOWN"); cooldown != "" {
		if d, err := time.ParseDuration(cooldown); err == nil {
			config.RateLimit.SyncCooldown = d
		}
	}
	if window := os.Getenv("LEDGERLINK_RATELIMIT_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			config.RateLimit.Window = d
		}
	}
	if budget := os.Getenv("LEDGERLINK_RATELIMIT_WINDOW_BUDGET"); budget != "" {
		if b, err := strconv.Atoi(budget); err == nil {
			config.RateLimit.WindowBudget = b
		}
	}
	if ceiling := os.Getenv("LEDGERLINK_RATELIMIT_CIRCUIT_CEILING"); ceiling != "" {
		if c, err := strconv.Atoi(ceiling); err == nil {
			config.RateLimit.CircuitCeiling = c
		}
	}
	if interval := os.Getenv("LEDGERLINK_RATELIMIT_CIRCUIT_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.RateLimit.CircuitInterval = d
		}
	}
	if cooloff := os.Getenv("LEDGERLINK_RATELIMIT_CIRCUIT_COOLOFF"); cooloff != "" {
		if d, err := time.ParseDuration(cooloff); err == nil {
			config.RateLimit.CircuitCooloff = d
		}
	}

	// Sync configuration
	if delay := os.Getenv("LEDGERLINK_SYNC_INTER_CALL_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			config.Sync.InterCallDelay = d
		}
	}
	if resources := os.Getenv("LEDGERLINK_SYNC_RESOURCES"); resources != "" {
		list := []string{}
		for _, r := range strings.Split(resources, ",") {
			trimmed := strings.TrimSpace(r)
			if trimmed != "" {
				list = append(list, trimmed)
			}
		}
		if len(list) > 0 {
			config.Sync.Resources = list
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("LEDGERLINK_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("LEDGERLINK_SCHEDULER_REFRESH_SWEEP_SCHEDULE"); schedule != "" {
		config.Scheduler.RefreshSweepSchedule = schedule
	}
	if enabled := os.Getenv("LEDGERLINK_SCHEDULER_BULK_SYNC_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.BulkSyncEnabled = e
		}
	}
	if schedule := os.Getenv("LEDGERLINK_SCHEDULER_BULK_SYNC_SCHEDULE"); schedule != "" {
		config.Scheduler.BulkSyncSchedule = schedule
	}

	// Remote configuration
	if baseURL := os.Getenv("LEDGERLINK_REMOTE_BASE_URL"); baseURL != "" {
		config.Remote.BaseURL = baseURL
	}
	if authURL := os.Getenv("LEDGERLINK_REMOTE_AUTH_URL"); authURL != "" {
		config.Remote.AuthURL = authURL
	}
	if tokenURL := os.Getenv("LEDGERLINK_REMOTE_TOKEN_URL"); tokenURL != "" {
		config.Remote.TokenURL = tokenURL
	}
	if timeout := os.Getenv("LEDGERLINK_REMOTE_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Remote.RequestTimeout = d
		}
	}
	if rateLimit := os.Getenv("LEDGERLINK_REMOTE_RATE_LIMIT"); rateLimit != "" {
		if r, err := strconv.Atoi(rateLimit); err == nil {
			config.Remote.RateLimit = r
		}
	}

	// WebSocket configuration
	if minLevel := os.Getenv("LEDGERLINK_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateJobSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
