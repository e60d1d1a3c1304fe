package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Log          LogConfig
	Credits      CreditsConfig
	Retry        RetryConfig
	Compensation CompensationConfig
	Worker       WorkerConfig
	Alerts       AlertsConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// CreditsConfig holds consumption engine settings
type CreditsConfig struct {
	ReservationTTL       time.Duration
	AvailabilityCacheTTL time.Duration
}

// RetryConfig holds the inline finalize retry policy
type RetryConfig struct {
	MaxAttempts            int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	FailOpen               bool
	HandoffRetryDelay      time.Duration
	HandoffDeadlinePadding time.Duration
	MaxExtension           time.Duration
}

// CompensationConfig holds the background recovery policy
type CompensationConfig struct {
	BatchSize        int
	AttemptCeiling   int
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	DeadlinePadding  time.Duration
	NearExpiryWindow time.Duration
	StaleAfter       time.Duration
}

// WorkerConfig holds background worker scheduling settings
type WorkerConfig struct {
	Enabled                bool
	CompensationInterval   time.Duration
	ReconciliationInterval time.Duration
	MetricsInterval        time.Duration
}

// AlertsConfig holds pipeline health alert thresholds
type AlertsConfig struct {
	SuccessRateWindow        time.Duration
	SuccessRateWarning       float64
	SuccessRateCritical      float64
	CompensationQueueWarning int64
	PendingBacklogWarning    int64
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with FIELDOPS_ prefix (e.g., FIELDOPS_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("FIELDOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Credits: CreditsConfig{
			ReservationTTL:       v.GetDuration("credits.reservation_ttl"),
			AvailabilityCacheTTL: v.GetDuration("credits.availability_cache_ttl"),
		},
		Retry: RetryConfig{
			MaxAttempts:            v.GetInt("retry.max_attempts"),
			BaseDelay:              v.GetDuration("retry.base_delay"),
			MaxDelay:               v.GetDuration("retry.max_delay"),
			FailOpen:               v.GetBool("retry.fail_open"),
			HandoffRetryDelay:      v.GetDuration("retry.handoff_retry_delay"),
			HandoffDeadlinePadding: v.GetDuration("retry.handoff_deadline_padding"),
			MaxExtension:           v.GetDuration("retry.max_extension"),
		},
		Compensation: CompensationConfig{
			BatchSize:        v.GetInt("compensation.batch_size"),
			AttemptCeiling:   v.GetInt("compensation.attempt_ceiling"),
			MinBackoff:       v.GetDuration("compensation.min_backoff"),
			MaxBackoff:       v.GetDuration("compensation.max_backoff"),
			DeadlinePadding:  v.GetDuration("compensation.deadline_padding"),
			NearExpiryWindow: v.GetDuration("compensation.near_expiry_window"),
			StaleAfter:       v.GetDuration("compensation.stale_after"),
		},
		Worker: WorkerConfig{
			Enabled:                v.GetBool("worker.enabled"),
			CompensationInterval:   v.GetDuration("worker.compensation_interval"),
			ReconciliationInterval: v.GetDuration("worker.reconciliation_interval"),
			MetricsInterval:        v.GetDuration("worker.metrics_interval"),
		},
		Alerts: AlertsConfig{
			SuccessRateWindow:        v.GetDuration("alerts.success_rate_window"),
			SuccessRateWarning:       v.GetFloat64("alerts.success_rate_warning"),
			SuccessRateCritical:      v.GetFloat64("alerts.success_rate_critical"),
			CompensationQueueWarning: v.GetInt64("alerts.compensation_queue_warning"),
			PendingBacklogWarning:    v.GetInt64("alerts.pending_backlog_warning"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fieldops-credits"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "fieldops"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Credits.ReservationTTL == 0 {
		cfg.Credits.ReservationTTL = 5 * time.Minute
	}
	if cfg.Credits.AvailabilityCacheTTL == 0 {
		cfg.Credits.AvailabilityCacheTTL = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.HandoffRetryDelay == 0 {
		cfg.Retry.HandoffRetryDelay = 2 * time.Minute
	}
	if cfg.Retry.HandoffDeadlinePadding == 0 {
		cfg.Retry.HandoffDeadlinePadding = time.Minute
	}
	if cfg.Retry.MaxExtension == 0 {
		cfg.Retry.MaxExtension = 24 * time.Hour
	}
	if cfg.Compensation.BatchSize == 0 {
		cfg.Compensation.BatchSize = 50
	}
	if cfg.Compensation.AttemptCeiling == 0 {
		cfg.Compensation.AttemptCeiling = 10
	}
	if cfg.Compensation.MinBackoff == 0 {
		cfg.Compensation.MinBackoff = 2 * time.Minute
	}
	if cfg.Compensation.MaxBackoff == 0 {
		cfg.Compensation.MaxBackoff = 30 * time.Minute
	}
	if cfg.Compensation.DeadlinePadding == 0 {
		cfg.Compensation.DeadlinePadding = time.Minute
	}
	if cfg.Compensation.NearExpiryWindow == 0 {
		cfg.Compensation.NearExpiryWindow = 2 * time.Minute
	}
	if cfg.Compensation.StaleAfter == 0 {
		cfg.Compensation.StaleAfter = 10 * time.Minute
	}
	if cfg.Worker.CompensationInterval == 0 {
		cfg.Worker.CompensationInterval = 60 * time.Second
	}
	if cfg.Worker.ReconciliationInterval == 0 {
		cfg.Worker.ReconciliationInterval = 5 * time.Minute
	}
	if cfg.Worker.MetricsInterval == 0 {
		cfg.Worker.MetricsInterval = 30 * time.Second
	}
	if cfg.Alerts.SuccessRateWindow == 0 {
		cfg.Alerts.SuccessRateWindow = time.Hour
	}
	if cfg.Alerts.SuccessRateWarning == 0 {
		cfg.Alerts.SuccessRateWarning = 0.98
	}
	if cfg.Alerts.SuccessRateCritical == 0 {
		cfg.Alerts.SuccessRateCritical = 0.95
	}
	if cfg.Alerts.CompensationQueueWarning == 0 {
		cfg.Alerts.CompensationQueueWarning = 1
	}
	if cfg.Alerts.PendingBacklogWarning == 0 {
		cfg.Alerts.PendingBacklogWarning = 10000
	}
}

// validate checks the configuration for inconsistencies that would otherwise
// surface as confusing runtime behavior
func (c *Config) validate() error {
	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay (%s) cannot exceed retry.max_delay (%s)",
			c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Compensation.MinBackoff > c.Compensation.MaxBackoff {
		return fmt.Errorf("compensation.min_backoff (%s) cannot exceed compensation.max_backoff (%s)",
			c.Compensation.MinBackoff, c.Compensation.MaxBackoff)
	}
	if c.Compensation.AttemptCeiling < 1 {
		return fmt.Errorf("compensation.attempt_ceiling (%d) must allow at least one background retry",
			c.Compensation.AttemptCeiling)
	}

	if c.Alerts.SuccessRateWarning < c.Alerts.SuccessRateCritical {
		return fmt.Errorf("alerts.success_rate_warning (%f) cannot be below alerts.success_rate_critical (%f)",
			c.Alerts.SuccessRateWarning, c.Alerts.SuccessRateCritical)
	}
	if c.Alerts.SuccessRateWarning > 1 || c.Alerts.SuccessRateCritical > 1 {
		return fmt.Errorf("alert success rate thresholds must be between 0.0 and 1.0")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
