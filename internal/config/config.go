package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goodtune/quotawatch/internal/usage"
)

// Config holds the complete application configuration
type Config struct {
	Daemon   DaemonConfig    `mapstructure:"daemon"`
	Probe    ProbeConfig     `mapstructure:"probe"`
	Accounts []usage.Account `mapstructure:"accounts"`
	Backoff  BackoffConfig   `mapstructure:"backoff"`
	Alerts   AlertsConfig    `mapstructure:"alerts"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Admin    AdminConfig     `mapstructure:"admin"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  HistoryConfig   `mapstructure:"history"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// DaemonConfig defines the polling cadence
type DaemonConfig struct {
	RefreshInterval string `mapstructure:"refresh_interval"`
	ProbeTimeout    string `mapstructure:"probe_timeout"`
	ResumeGap       string `mapstructure:"resume_gap"` // sleep gap beyond which retry state is reset
}

// ProbeConfig selects and tunes the acquisition strategies
type ProbeConfig struct {
	Strategy     string   `mapstructure:"strategy"`
	Binary       string   `mapstructure:"binary"`
	Args         []string `mapstructure:"args"`
	UsageCommand string   `mapstructure:"usage_command"`
	WorkDir      string   `mapstructure:"workdir"`
	Timeout      string   `mapstructure:"timeout"`
	ReplyDelay   string   `mapstructure:"reply_delay"`
	SettleDelay  string   `mapstructure:"settle_delay"`
	SubmitDelay  string   `mapstructure:"submit_delay"`
	ExitGrace    string   `mapstructure:"exit_grace"`
	BaseURL      string   `mapstructure:"api_base_url"`
}

// BackoffConfig defines per-account retry delays
type BackoffConfig struct {
	Initial string `mapstructure:"initial"`
	Max     string `mapstructure:"max"`
}

// AlertsConfig defines usage thresholds and where alerts go
type AlertsConfig struct {
	Thresholds []int  `mapstructure:"thresholds"`
	Log        bool   `mapstructure:"log"`
	Command    string `mapstructure:"command"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the redis backend connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// AdminConfig defines the local admin interface
type AdminConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Listen       string `mapstructure:"listen"`
	ProbeLogSize int    `mapstructure:"probe_log_size"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig defines snapshot history retention
type HistoryConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "quotawatch.yaml"
	}
	return filepath.Join(dir, "quotawatch", "quotawatch.yaml")
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "quotawatch.bolt"
	}
	return filepath.Join(dir, "quotawatch", "quotawatch.bolt")
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("QUOTAWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Accounts that omit the active key default to active
	if raw, ok := v.Get("accounts").([]interface{}); ok {
		for i := range config.Accounts {
			if i >= len(raw) {
				break
			}
			entry, ok := raw[i].(map[string]interface{})
			if !ok {
				continue
			}
			if _, set := entry["active"]; !set {
				config.Accounts[i].Active = true
			}
		}
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration Load would produce with no file and no
// environment overrides.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Daemon defaults
	v.SetDefault("daemon.refresh_interval", "5m")
	v.SetDefault("daemon.probe_timeout", "90s")
	v.SetDefault("daemon.resume_gap", "2m")

	// Probe defaults
	v.SetDefault("probe.strategy", "auto")
	v.SetDefault("probe.binary", "claude")
	v.SetDefault("probe.usage_command", "/usage")
	v.SetDefault("probe.api_base_url", "https://api.anthropic.com")

	// Backoff defaults
	v.SetDefault("backoff.initial", "30s")
	v.SetDefault("backoff.max", "15m")

	// Alert defaults
	v.SetDefault("alerts.thresholds", []int{80, 90, 100})
	v.SetDefault("alerts.log", true)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:8791")
	v.SetDefault("admin.probe_log_size", 50)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9791")

	// History defaults
	v.SetDefault("history.retention_days", 14)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// validate validates the configuration
func validate(cfg *Config) error {
	durations := []struct {
		name  string
		value string
	}{
		{"daemon.refresh_interval", cfg.Daemon.RefreshInterval},
		{"daemon.probe_timeout", cfg.Daemon.ProbeTimeout},
		{"daemon.resume_gap", cfg.Daemon.ResumeGap},
		{"probe.timeout", cfg.Probe.Timeout},
		{"probe.reply_delay", cfg.Probe.ReplyDelay},
		{"probe.settle_delay", cfg.Probe.SettleDelay},
		{"probe.submit_delay", cfg.Probe.SubmitDelay},
		{"probe.exit_grace", cfg.Probe.ExitGrace},
		{"backoff.initial", cfg.Backoff.Initial},
		{"backoff.max", cfg.Backoff.Max},
		{"storage.redis.dial_timeout", cfg.Storage.Redis.DialTimeout},
		{"storage.redis.read_timeout", cfg.Storage.Redis.ReadTimeout},
		{"storage.redis.write_timeout", cfg.Storage.Redis.WriteTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	switch cfg.Probe.Strategy {
	case "", "terminal", "oauth", "auto":
	default:
		return fmt.Errorf("unknown probe strategy %q", cfg.Probe.Strategy)
	}

	// Account IDs become storage keys, so the key separators are forbidden
	seen := make(map[string]struct{}, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		if strings.TrimSpace(acct.ID) == "" {
			return fmt.Errorf("account %d has no id", i)
		}
		if strings.ContainsAny(acct.ID, "/:") {
			return fmt.Errorf("account id %q must not contain '/' or ':'", acct.ID)
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = struct{}{}
		if strings.TrimSpace(acct.CredentialDir) == "" {
			return fmt.Errorf("account %q has no credential_dir", acct.ID)
		}
	}

	last := 0
	for _, th := range cfg.Alerts.Thresholds {
		if th <= 0 || th > 100 {
			return fmt.Errorf("alert threshold %d is out of range (1-100)", th)
		}
		if th <= last {
			return fmt.Errorf("alert thresholds must be strictly ascending")
		}
		last = th
	}

	if cfg.Alerts.WebhookURL != "" {
		u, err := url.Parse(cfg.Alerts.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid alerts webhook_url %q", cfg.Alerts.WebhookURL)
		}
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
		if cfg.Storage.Redis.Port < 0 || cfg.Storage.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", cfg.Storage.Redis.Port)
		}
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	if cfg.History.RetentionDays < 0 {
		return fmt.Errorf("history retention_days must not be negative")
	}

	return nil
}

// Duration parses a duration string that validate has already accepted,
// returning fallback when the string is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// UnknownKeys reports config file keys outside the known schema. Typos in
// section or field names surface here instead of being silently ignored.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	known := knownKeys()
	var unknown []string
	for _, key := range v.AllKeys() {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func knownKeys() map[string]struct{} {
	keys := []string{
		"daemon.refresh_interval", "daemon.probe_timeout", "daemon.resume_gap",
		"probe.strategy", "probe.binary", "probe.args", "probe.usage_command",
		"probe.workdir", "probe.timeout", "probe.reply_delay",
		"probe.settle_delay", "probe.submit_delay", "probe.exit_grace",
		"probe.api_base_url",
		"accounts",
		"backoff.initial", "backoff.max",
		"alerts.thresholds", "alerts.log", "alerts.command", "alerts.webhook_url",
		"storage.type", "storage.path",
		"storage.redis.host", "storage.redis.port", "storage.redis.password",
		"storage.redis.db", "storage.redis.pool_size", "storage.redis.min_idle_conns",
		"storage.redis.dial_timeout", "storage.redis.read_timeout", "storage.redis.write_timeout",
		"admin.enabled", "admin.listen", "admin.probe_log_size",
		"metrics.enabled", "metrics.listen",
		"history.retention_days",
		"logging.level", "logging.format",
	}
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k] = struct{}{}
	}
	return known
}
