// Package config loads the service configuration from a YAML or JSON file
// with STRAT_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/algomatic/strat-service/internal/scheduler"
	"github.com/algomatic/strat-service/internal/types"
)

// Config holds all configuration for the scanner service.
type Config struct {
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
	SQLite     SQLiteConfig      `mapstructure:"sqlite"`
	Alpaca     AlpacaConfig      `mapstructure:"alpaca"`
	Telegram   TelegramConfig    `mapstructure:"telegram"`
	Scan       ScanConfig        `mapstructure:"scan"`
	Timeframes []TimeframeConfig `mapstructure:"timeframes"`
	Patterns   PatternsConfig    `mapstructure:"patterns"`
	Windows    []WindowConfig    `mapstructure:"windows"`
	Store      StoreConfig       `mapstructure:"store"`
	Audit      AuditConfig       `mapstructure:"audit"`
	GRPC       GRPCConfig        `mapstructure:"grpc"`
	Log        LogConfig         `mapstructure:"log"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	DB            int    `mapstructure:"db"`
	Password      string `mapstructure:"password"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Addr returns host:port for Redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// AlpacaConfig holds Alpaca API credentials and client limits.
type AlpacaConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Feed        string        `mapstructure:"feed"`
	MaxRetries  int           `mapstructure:"max_retries"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ScanConfig holds scanner behaviour.
type ScanConfig struct {
	Mode        string        `mapstructure:"mode"`   // scan, listener or both
	Source      string        `mapstructure:"source"` // alpaca or postgres
	Symbols     []string      `mapstructure:"symbols"`
	Interval    time.Duration `mapstructure:"interval"`
	Granularity string        `mapstructure:"granularity"`
	Lookback    time.Duration `mapstructure:"lookback"`
	Concurrency int           `mapstructure:"concurrency"`
	Timezone    string        `mapstructure:"timezone"`
	Grace       time.Duration `mapstructure:"grace"`
	History     int           `mapstructure:"history"`
}

// TimeframeConfig describes one composed timeframe.
type TimeframeConfig struct {
	Name     string        `mapstructure:"name"`
	Duration time.Duration `mapstructure:"duration"`
	Anchor   time.Duration `mapstructure:"anchor"`
}

// PatternsConfig calibrates pattern matching and confidence.
type PatternsConfig struct {
	Enabled            []string `mapstructure:"enabled"`
	TrendLookback      int      `mapstructure:"trend_lookback"`
	VolumeConfirmRatio float64  `mapstructure:"volume_confirm_ratio"`
}

// WindowConfig is one emission window. Start is an exchange-local clock time
// such as "16:00"; Every of zero means once a day.
type WindowConfig struct {
	Pattern   string        `mapstructure:"pattern"`
	Timeframe string        `mapstructure:"timeframe"`
	Start     string        `mapstructure:"start"`
	Every     time.Duration `mapstructure:"every"`
	Length    time.Duration `mapstructure:"length"`
}

// StoreConfig selects the alert record backend.
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"` // memory, sqlite, postgres or redis
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
	RecordTTL time.Duration `mapstructure:"record_ttl"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	Postgres   bool   `mapstructure:"postgres"`
	SQLite     bool   `mapstructure:"sqlite"`
	ParquetDir string `mapstructure:"parquet_dir"`
}

// GRPCConfig configures the health server. Port 0 disables it.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from path, if it exists, then applies STRAT_
// environment overrides such as STRAT_DATABASE_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STRAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		// A missing file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "algomatic")
	v.SetDefault("database.user", "algomatic")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel_prefix", "strat")

	v.SetDefault("sqlite.path", "")

	v.SetDefault("alpaca.api_key", "")
	v.SetDefault("alpaca.secret_key", "")
	v.SetDefault("alpaca.base_url", "https://data.alpaca.markets")
	v.SetDefault("alpaca.feed", "iex")
	v.SetDefault("alpaca.max_retries", 3)
	v.SetDefault("alpaca.min_interval", "300ms")
	v.SetDefault("alpaca.timeout", "30s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("scan.mode", "scan")
	v.SetDefault("scan.source", "alpaca")
	v.SetDefault("scan.symbols", []string{})
	v.SetDefault("scan.interval", "1m")
	v.SetDefault("scan.granularity", "15Min")
	v.SetDefault("scan.lookback", "120h")
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.timezone", "America/New_York")
	v.SetDefault("scan.grace", "0s")
	v.SetDefault("scan.history", 16)

	v.SetDefault("patterns.enabled", []string{})
	v.SetDefault("patterns.trend_lookback", 3)
	v.SetDefault("patterns.volume_confirm_ratio", 1.2)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.lease_ttl", "2m")
	v.SetDefault("store.record_ttl", "72h")

	v.SetDefault("audit.postgres", false)
	v.SetDefault("audit.sqlite", false)
	v.SetDefault("audit.parquet_dir", "")

	v.SetDefault("grpc.port", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	validModes := map[string]bool{"scan": true, "listener": true, "both": true}
	if !validModes[c.Scan.Mode] {
		return fmt.Errorf("invalid mode %q: must be scan, listener, or both", c.Scan.Mode)
	}
	validSources := map[string]bool{"alpaca": true, "postgres": true}
	if !validSources[c.Scan.Source] {
		return fmt.Errorf("invalid scan.source %q: must be alpaca or postgres", c.Scan.Source)
	}
	if c.Scan.Source == "alpaca" && (c.Alpaca.APIKey == "" || c.Alpaca.SecretKey == "") {
		return fmt.Errorf("alpaca.api_key and alpaca.secret_key are required for the alpaca source")
	}
	if c.Scan.Mode != "listener" && c.Scan.Interval < 10*time.Second {
		return fmt.Errorf("scan.interval must be at least 10s, got %v", c.Scan.Interval)
	}
	if c.Scan.Mode != "scan" && !c.Redis.Enabled {
		return fmt.Errorf("redis.enabled is required for mode %q", c.Scan.Mode)
	}
	if _, ok := types.SourceGranularities[c.Scan.Granularity]; !ok {
		return fmt.Errorf("unsupported scan.granularity %q", c.Scan.Granularity)
	}
	if c.Scan.Lookback < 24*time.Hour {
		return fmt.Errorf("scan.lookback must be at least 24h, got %v", c.Scan.Lookback)
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("scan.concurrency must be >= 1, got %d", c.Scan.Concurrency)
	}
	if c.Scan.Grace < 0 {
		return fmt.Errorf("scan.grace must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.TimeframeList(); err != nil {
		return err
	}
	if _, err := c.PatternKinds(); err != nil {
		return err
	}
	if _, err := c.WindowMap(); err != nil {
		return err
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true, "postgres": true, "redis": true}
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("invalid store.backend %q: must be memory, sqlite, postgres, or redis", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("redis.enabled is required for the redis store")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("grpc.port %d out of range", c.GRPC.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", c.Log.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}
	return nil
}

// Location loads the exchange time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scan.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scan.timezone %q: %w", c.Scan.Timezone, err)
	}
	return loc, nil
}

// TimeframeList returns the configured timeframes, or the defaults when none
// are configured, validated against the source granularity.
func (c *Config) TimeframeList() ([]types.Timeframe, error) {
	if len(c.Timeframes) == 0 {
		return types.DefaultTimeframes, nil
	}
	gran := types.SourceGranularities[c.Scan.Granularity]
	out := make([]types.Timeframe, 0, len(c.Timeframes))
	seen := make(map[string]bool, len(c.Timeframes))
	for _, tc := range c.Timeframes {
		tf := types.Timeframe{Name: tc.Name, Duration: tc.Duration, Anchor: tc.Anchor}
		if err := tf.Validate(gran); err != nil {
			return nil, err
		}
		if seen[tf.Name] {
			return nil, fmt.Errorf("duplicate timeframe %q", tf.Name)
		}
		seen[tf.Name] = true
		out = append(out, tf)
	}
	return out, nil
}

// PatternKinds returns the enabled pattern kinds; empty means all.
func (c *Config) PatternKinds() ([]types.PatternKind, error) {
	out := make([]types.PatternKind, 0, len(c.Patterns.Enabled))
	for _, s := range c.Patterns.Enabled {
		k, err := types.ParsePatternKind(s)
		if err != nil {
			return nil, fmt.Errorf("patterns.enabled: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

// WindowMap returns the default emission windows with configured entries
// replacing them per (pattern, timeframe).
func (c *Config) WindowMap() (map[scheduler.Key][]scheduler.Window, error) {
	windows := scheduler.DefaultWindows()
	overridden := make(map[scheduler.Key]bool)
	for _, wc := range c.Windows {
		kind, err := types.ParsePatternKind(wc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("windows: %w", err)
		}
		start, err := parseClock(wc.Start)
		if err != nil {
			return nil, fmt.Errorf("windows %s/%s: %w", wc.Pattern, wc.Timeframe, err)
		}
		length := wc.Length
		if length == 0 {
			length = scheduler.DefaultLength
		}
		w := scheduler.Window{Start: start, Every: wc.Every, Length: length}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("windows %s/%s: %w", wc.Pattern, wc.Timeframe, err)
		}

		key := scheduler.Key{Kind: kind, Timeframe: wc.Timeframe}
		if !overridden[key] {
			windows[key] = nil
			overridden[key] = true
		}
		windows[key] = append(windows[key], w)
	}
	return windows, nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
