package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/isolation"
)

// Config is the full runner configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	NATS      NATSConfig      `mapstructure:"nats"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type EngineConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	Retries           int           `mapstructure:"retries"`
	Strategy          string        `mapstructure:"strategy"`
	ErrorIsolation    bool          `mapstructure:"error_isolation"`
	MaxLoad           time.Duration `mapstructure:"max_load"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	GlobalTimeout     time.Duration `mapstructure:"global_timeout"`
}

type IsolationConfig struct {
	MaxErrorsPerWorker int           `mapstructure:"max_errors_per_worker"`
	MaxErrorRate       float64       `mapstructure:"max_error_rate"`
	IsolationDuration  time.Duration `mapstructure:"isolation_duration"`
	TimeWindow         time.Duration `mapstructure:"time_window"`
	AutoRestart        bool          `mapstructure:"auto_restart"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Embedded       bool          `mapstructure:"embedded"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type HistoryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads config.yaml from the given directory, applying defaults for
// anything unset. A missing file is not an error; defaults apply.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := engine.DefaultOptions()
	v.SetDefault("app.name", "parallel-runner")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("engine.max_workers", defaults.MaxWorkers)
	v.SetDefault("engine.task_timeout", defaults.TaskTimeout)
	v.SetDefault("engine.retries", defaults.Retries)
	v.SetDefault("engine.strategy", defaults.Strategy)
	v.SetDefault("engine.error_isolation", defaults.ErrorIsolation)
	v.SetDefault("engine.max_load", defaults.MaxLoad)
	v.SetDefault("engine.rebalance_interval", defaults.RebalanceInterval)
	v.SetDefault("engine.ready_timeout", defaults.ReadyTimeout)

	policy := isolation.DefaultPolicy()
	v.SetDefault("isolation.max_errors_per_worker", policy.MaxErrorsPerWorker)
	v.SetDefault("isolation.max_error_rate", policy.MaxErrorRate)
	v.SetDefault("isolation.isolation_duration", policy.IsolationDuration)
	v.SetDefault("isolation.time_window", policy.TimeWindow)
	v.SetDefault("isolation.auto_restart", policy.AutoRestart)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "runner.db")
	v.SetDefault("history.retention", 7*24*time.Hour)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.interval", 10*time.Second)
}

// EngineOptions converts the engine and isolation sections into executor
// options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.Options{
		MaxWorkers:        c.Engine.MaxWorkers,
		TaskTimeout:       c.Engine.TaskTimeout,
		Retries:           c.Engine.Retries,
		Strategy:          c.Engine.Strategy,
		ErrorIsolation:    c.Engine.ErrorIsolation,
		MaxLoad:           c.Engine.MaxLoad,
		RebalanceInterval: c.Engine.RebalanceInterval,
		ReadyTimeout:      c.Engine.ReadyTimeout,
		GlobalTimeout:     c.Engine.GlobalTimeout,
	}

	opts.Isolation = isolation.DefaultPolicy()
	opts.Isolation.Enabled = c.Engine.ErrorIsolation
	opts.Isolation.MaxErrorsPerWorker = c.Isolation.MaxErrorsPerWorker
	opts.Isolation.MaxErrorRate = c.Isolation.MaxErrorRate
	opts.Isolation.IsolationDuration = c.Isolation.IsolationDuration
	opts.Isolation.TimeWindow = c.Isolation.TimeWindow
	opts.Isolation.AutoRestart = c.Isolation.AutoRestart

	return opts
}
