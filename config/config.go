package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration of the safety kernel.
type Config struct {
	LoggingConfig        LoggingConfig        `json:"logging"`
	RedisConfig          RedisConfig          `json:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	SQLiteConfig         SQLiteConfig         `json:"sqlite"`
	VaultConfig          VaultConfig          `json:"vault"`
	MetricsConfig        MetricsConfig        `json:"metrics"`
	LockConfig           LockConfig           `json:"locks"`
	RateLimitConfig      RateLimitConfig      `json:"rate_limits"`
	RetryConfig          RetryConfig          `json:"retry"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	LossLimitConfig      LossLimitConfig      `json:"loss_limits"`
	CorrelationConfig    CorrelationConfig    `json:"correlation"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// RedisConfig holds Redis configuration for the daily P&L store
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`

	ReconnectIntervalSeconds float64 `json:"reconnect_interval_seconds"` // Min gap between reconnect attempts while Redis is down
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// SQLiteConfig holds the local-file store location
type SQLiteConfig struct {
	Path string `json:"path"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the secret holding store credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Namespace     string `json:"namespace"`
	ListenAddress string `json:"listen_address"` // Exposes /metrics when set
}

// LockConfig holds symbol lock defaults
type LockConfig struct {
	DefaultTTLSeconds      float64 `json:"default_ttl_seconds"`      // Lease lifetime before auto-expiry
	MaxWaitSeconds         float64 `json:"max_wait_seconds"`         // Max time to wait for a busy symbol
	ForceRetryWaitSeconds  float64 `json:"force_retry_wait_seconds"` // Wait after force-releasing an expired lease
	CleanupIntervalSeconds int     `json:"cleanup_interval_seconds"` // Janitor period
}

// ComponentLimitConfig holds the quotas of one admission-controlled component
type ComponentLimitConfig struct {
	BurstLimit      int     `json:"burst_limit"` // Max requests per second
	MaxPerMinute    int     `json:"max_per_minute"`
	MaxPerHour      int     `json:"max_per_hour"`
	MaxPerDay       int     `json:"max_per_day"`
	CooldownSeconds float64 `json:"cooldown_seconds"` // Base cooldown after an hour breach (doubled for day)
}

type RateLimitConfig struct {
	Components           map[string]ComponentLimitConfig `json:"components"`
	SweepIntervalSeconds int                             `json:"sweep_interval_seconds"`
}

// RetryPolicyConfig overrides one named retry preset
type RetryPolicyConfig struct {
	MaxRetries      int     `json:"max_retries"`
	BaseDelayMs     int     `json:"base_delay_ms"`
	MaxDelayMs      int     `json:"max_delay_ms"`
	ExponentialBase float64 `json:"exponential_base"`
}

type RetryConfig struct {
	JitterFactor float64                      `json:"jitter_factor"` // ±fraction applied to each delay
	Policies     map[string]RetryPolicyConfig `json:"policies"`      // aggressive, conservative, critical, quick
}

// CircuitBreakerConfig holds per-dependency breaker thresholds
type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int     `json:"success_threshold"` // Half-open successes before closing
	TimeoutSeconds   float64 `json:"timeout_seconds"`   // Open duration before a trial call
}

// LossLimitConfig holds daily risk governor limits
type LossLimitConfig struct {
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"` // % of account equity
	MaxDailyLossUSD      float64 `json:"max_daily_loss_usd"` // Absolute USD limit
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
	CooldownHours        float64 `json:"cooldown_hours"` // Block duration after a limit hit
	WarnAtPct            float64 `json:"warn_at_pct"`    // Warn when this % of the limit is used
	Timezone             string  `json:"timezone"`       // Day boundary, e.g. "UTC"
	Store                string  `json:"store"`          // memory, redis, postgres, sqlite
	PersistTimeoutMs     int     `json:"persist_timeout_ms"`
}

// CorrelationConfig holds exposure limiter ceilings
type CorrelationConfig struct {
	MaxCorrelatedExposurePct float64 `json:"max_correlated_exposure_pct"`
	CorrelationThreshold     float64 `json:"correlation_threshold"` // Pairs below this are not weighted in
	MaxPositionsPerCategory  int     `json:"max_positions_per_category"`
	MaxSingleAssetPct        float64 `json:"max_single_asset_pct"`
	WarnRatio                float64 `json:"warn_ratio"`      // Fraction of a ceiling that triggers a warning
	TablePath                string  `json:"table_path"`      // YAML categories + correlation matrix
	DynamicEnabled           bool    `json:"dynamic_enabled"` // Compute correlations from price history
	CacheTTLMinutes          int     `json:"cache_ttl_minutes"`
	LookbackDays             int     `json:"lookback_days"`
	Timeframe                string  `json:"timeframe"` // 1h, 4h, 1d
}

// Load reads the config file (SAFETY_CONFIG or config.json) and applies env overrides.
func Load() (*Config, error) {
	path := getEnvOrDefault("SAFETY_CONFIG", "config.json")

	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(unwrapPathError(err)) {
			return nil, err
		}
		// No config file, start from defaults
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a config holding only defaults, ignoring files and environment
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
	if v := os.Getenv("LOG_INCLUDE_FILE"); v != "" {
		cfg.LoggingConfig.IncludeFile = v == "true"
	}

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)
	cfg.RedisConfig.ReconnectIntervalSeconds = getEnvFloatOrDefault("REDIS_RECONNECT_INTERVAL_SECONDS", cfg.RedisConfig.ReconnectIntervalSeconds)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.SQLiteConfig.Path = getEnvOrDefault("SQLITE_PATH", cfg.SQLiteConfig.Path)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Metrics config
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsConfig.Enabled = v == "true"
	}
	cfg.MetricsConfig.Namespace = getEnvOrDefault("METRICS_NAMESPACE", cfg.MetricsConfig.Namespace)
	cfg.MetricsConfig.ListenAddress = getEnvOrDefault("METRICS_LISTEN_ADDRESS", cfg.MetricsConfig.ListenAddress)

	// Loss limits
	cfg.LossLimitConfig.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", cfg.LossLimitConfig.MaxDailyLossPct)
	cfg.LossLimitConfig.MaxDailyLossUSD = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_USD", cfg.LossLimitConfig.MaxDailyLossUSD)
	cfg.LossLimitConfig.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.LossLimitConfig.MaxConsecutiveLosses)
	cfg.LossLimitConfig.MaxDailyTrades = getEnvIntOrDefault("RISK_MAX_DAILY_TRADES", cfg.LossLimitConfig.MaxDailyTrades)
	cfg.LossLimitConfig.CooldownHours = getEnvFloatOrDefault("RISK_COOLDOWN_HOURS", cfg.LossLimitConfig.CooldownHours)
	cfg.LossLimitConfig.Timezone = getEnvOrDefault("RISK_TIMEZONE", cfg.LossLimitConfig.Timezone)
	cfg.LossLimitConfig.Store = getEnvOrDefault("RISK_STORE", cfg.LossLimitConfig.Store)

	// Correlation limits
	cfg.CorrelationConfig.MaxCorrelatedExposurePct = getEnvFloatOrDefault("CORRELATION_MAX_EXPOSURE_PCT", cfg.CorrelationConfig.MaxCorrelatedExposurePct)
	cfg.CorrelationConfig.MaxSingleAssetPct = getEnvFloatOrDefault("CORRELATION_MAX_SINGLE_ASSET_PCT", cfg.CorrelationConfig.MaxSingleAssetPct)
	cfg.CorrelationConfig.MaxPositionsPerCategory = getEnvIntOrDefault("CORRELATION_MAX_PER_CATEGORY", cfg.CorrelationConfig.MaxPositionsPerCategory)
	cfg.CorrelationConfig.TablePath = getEnvOrDefault("CORRELATION_TABLE_PATH", cfg.CorrelationConfig.TablePath)
	if v := os.Getenv("CORRELATION_DYNAMIC_ENABLED"); v != "" {
		cfg.CorrelationConfig.DynamicEnabled = v == "true"
	}

	// Lock config
	if d := getEnvDurationOrDefault("LOCK_DEFAULT_TTL", 0); d > 0 {
		cfg.LockConfig.DefaultTTLSeconds = d.Seconds()
	}
	if d := getEnvDurationOrDefault("LOCK_MAX_WAIT", 0); d > 0 {
		cfg.LockConfig.MaxWaitSeconds = d.Seconds()
	}

	// Circuit breaker config
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitBreakerConfig.FailureThreshold)
	cfg.CircuitBreakerConfig.SuccessThreshold = getEnvIntOrDefault("CIRCUIT_SUCCESS_THRESHOLD", cfg.CircuitBreakerConfig.SuccessThreshold)
	cfg.CircuitBreakerConfig.TimeoutSeconds = getEnvFloatOrDefault("CIRCUIT_TIMEOUT_SECONDS", cfg.CircuitBreakerConfig.TimeoutSeconds)
}

// applyDefaults fills zero values with the production defaults
func applyDefaults(cfg *Config) {
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.RedisConfig.ReconnectIntervalSeconds <= 0 {
		cfg.RedisConfig.ReconnectIntervalSeconds = 10
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.SQLiteConfig.Path == "" {
		cfg.SQLiteConfig.Path = "safety_kernel.db"
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "safety-kernel/stores"
	}

	if cfg.MetricsConfig.Namespace == "" {
		cfg.MetricsConfig.Namespace = "safety_kernel"
	}

	if cfg.LockConfig.DefaultTTLSeconds == 0 {
		cfg.LockConfig.DefaultTTLSeconds = 30
	}
	if cfg.LockConfig.MaxWaitSeconds == 0 {
		cfg.LockConfig.MaxWaitSeconds = 5
	}
	if cfg.LockConfig.ForceRetryWaitSeconds == 0 {
		cfg.LockConfig.ForceRetryWaitSeconds = 1
	}
	if cfg.LockConfig.CleanupIntervalSeconds == 0 {
		cfg.LockConfig.CleanupIntervalSeconds = 60
	}

	if cfg.RateLimitConfig.SweepIntervalSeconds == 0 {
		cfg.RateLimitConfig.SweepIntervalSeconds = 300
	}

	if cfg.RetryConfig.JitterFactor == 0 {
		cfg.RetryConfig.JitterFactor = 0.3
	}

	if cfg.CircuitBreakerConfig.FailureThreshold == 0 {
		cfg.CircuitBreakerConfig.FailureThreshold = 5
	}
	if cfg.CircuitBreakerConfig.SuccessThreshold == 0 {
		cfg.CircuitBreakerConfig.SuccessThreshold = 3
	}
	if cfg.CircuitBreakerConfig.TimeoutSeconds == 0 {
		cfg.CircuitBreakerConfig.TimeoutSeconds = 60
	}

	if cfg.LossLimitConfig.MaxDailyLossPct == 0 {
		cfg.LossLimitConfig.MaxDailyLossPct = 5.0
	}
	if cfg.LossLimitConfig.MaxDailyLossUSD == 0 {
		cfg.LossLimitConfig.MaxDailyLossUSD = 500.0
	}
	if cfg.LossLimitConfig.MaxConsecutiveLosses == 0 {
		cfg.LossLimitConfig.MaxConsecutiveLosses = 5
	}
	if cfg.LossLimitConfig.MaxDailyTrades == 0 {
		cfg.LossLimitConfig.MaxDailyTrades = 50
	}
	if cfg.LossLimitConfig.CooldownHours == 0 {
		cfg.LossLimitConfig.CooldownHours = 4.0
	}
	if cfg.LossLimitConfig.WarnAtPct == 0 {
		cfg.LossLimitConfig.WarnAtPct = 70.0
	}
	if cfg.LossLimitConfig.Timezone == "" {
		cfg.LossLimitConfig.Timezone = "UTC"
	}
	if cfg.LossLimitConfig.Store == "" {
		cfg.LossLimitConfig.Store = "memory"
	}
	if cfg.LossLimitConfig.PersistTimeoutMs == 0 {
		cfg.LossLimitConfig.PersistTimeoutMs = 2000
	}

	if cfg.CorrelationConfig.MaxCorrelatedExposurePct == 0 {
		cfg.CorrelationConfig.MaxCorrelatedExposurePct = 50.0
	}
	if cfg.CorrelationConfig.CorrelationThreshold == 0 {
		cfg.CorrelationConfig.CorrelationThreshold = 0.7
	}
	if cfg.CorrelationConfig.MaxPositionsPerCategory == 0 {
		cfg.CorrelationConfig.MaxPositionsPerCategory = 3
	}
	if cfg.CorrelationConfig.MaxSingleAssetPct == 0 {
		cfg.CorrelationConfig.MaxSingleAssetPct = 30.0
	}
	if cfg.CorrelationConfig.WarnRatio == 0 {
		cfg.CorrelationConfig.WarnRatio = 0.7
	}
	if cfg.CorrelationConfig.CacheTTLMinutes == 0 {
		cfg.CorrelationConfig.CacheTTLMinutes = 60
	}
	if cfg.CorrelationConfig.LookbackDays == 0 {
		cfg.CorrelationConfig.LookbackDays = 30
	}
	if cfg.CorrelationConfig.Timeframe == "" {
		cfg.CorrelationConfig.Timeframe = "1h"
	}
}

// Seconds converts a float seconds setting into a duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func unwrapPathError(err error) error {
	for err != nil {
		if pe, ok := err.(*os.PathError); ok {
			return pe
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		MetricsConfig: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9102",
		},
		RateLimitConfig: RateLimitConfig{
			Components: map[string]ComponentLimitConfig{
				"trading_engine": {BurstLimit: 3, MaxPerMinute: 10, MaxPerHour: 60, MaxPerDay: 200, CooldownSeconds: 120},
				"market_data":    {BurstLimit: 10, MaxPerMinute: 60, MaxPerHour: 1000, MaxPerDay: 20000, CooldownSeconds: 30},
			},
		},
		LossLimitConfig: LossLimitConfig{
			MaxDailyLossPct:      5.0,
			MaxDailyLossUSD:      500.0,
			MaxConsecutiveLosses: 5,
			MaxDailyTrades:       50,
			CooldownHours:        4.0,
			Store:                "redis",
		},
		CorrelationConfig: CorrelationConfig{
			MaxCorrelatedExposurePct: 50.0,
			CorrelationThreshold:     0.7,
			MaxPositionsPerCategory:  3,
			MaxSingleAssetPct:        30.0,
			TablePath:                "correlations.yaml",
		},
	}
	applyDefaults(&config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
