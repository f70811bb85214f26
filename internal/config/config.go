// Package config loads movesync configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Run      RunConfig      `yaml:"run" mapstructure:"run"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Alert    AlertConfig    `yaml:"alert" mapstructure:"alert"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL                 string `yaml:"url" mapstructure:"url"`
	PoolSize            int32  `yaml:"pool_size" mapstructure:"pool_size"`
	StatementTimeoutSec int    `yaml:"statement_timeout_sec" mapstructure:"statement_timeout_sec"`
}

// UpstreamConfig configures the SmartMoving API client.
type UpstreamConfig struct {
	RateLimitPerSec   float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec" mapstructure:"request_timeout_sec"`
	RetryMaxAttempts  int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	PageSize          int     `yaml:"page_size" mapstructure:"page_size"`
}

// RunConfig configures a single sync run.
type RunConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	DeadlineMin       int `yaml:"deadline_min" mapstructure:"deadline_min"`
	DefaultWindowDays int `yaml:"default_window_days" mapstructure:"default_window_days"`
}

// ScheduleConfig configures the scheduler loop.
type ScheduleConfig struct {
	TickSec int `yaml:"tick_sec" mapstructure:"tick_sec"`
}

// ServerConfig configures the control-surface HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// AlertConfig configures the sync-health webhook alerter.
type AlertConfig struct {
	WebhookURL       string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateLimit float64 `yaml:"failure_rate_limit" mapstructure:"failure_rate_limit"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RequestTimeout returns the upstream request timeout as a duration.
func (c UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Deadline returns the whole-run soft deadline as a duration.
func (c RunConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMin) * time.Minute
}

// Tick returns the scheduler tick interval as a duration.
func (c ScheduleConfig) Tick() time.Duration {
	return time.Duration(c.TickSec) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MOVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("database.statement_timeout_sec", 10)
	v.SetDefault("upstream.rate_limit_per_sec", 5)
	v.SetDefault("upstream.request_timeout_sec", 30)
	v.SetDefault("upstream.retry_max_attempts", 3)
	v.SetDefault("upstream.page_size", 100)
	v.SetDefault("run.concurrency", 8)
	v.SetDefault("run.deadline_min", 60)
	v.SetDefault("run.default_window_days", 2)
	v.SetDefault("schedule.tick_sec", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("alert.failure_rate_limit", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Pool must cover the run fan-out plus headroom for the scheduler,
	// control surface and sync-log writes.
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = int32(cfg.Run.Concurrency + 4)
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
