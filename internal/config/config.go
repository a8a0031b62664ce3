package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Drill      DrillConfig      `yaml:"drill" mapstructure:"drill"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the result store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DrillConfig configures partitioning and the work dispatcher.
type DrillConfig struct {
	AggregateDays    int     `yaml:"aggregate_days" mapstructure:"aggregate_days"`
	TimeChunk        int     `yaml:"time_chunk" mapstructure:"time_chunk"`
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	KernelThreads    int     `yaml:"kernel_threads" mapstructure:"kernel_threads"`
	MaxTileSide      int     `yaml:"max_tile_side" mapstructure:"max_tile_side"`
	WriteConcurrency int     `yaml:"write_concurrency" mapstructure:"write_concurrency"`
	Intersect        string  `yaml:"intersect" mapstructure:"intersect"`
	MinValidFraction float64 `yaml:"min_valid_fraction" mapstructure:"min_valid_fraction"`
	WetThreshold     float64 `yaml:"wet_threshold" mapstructure:"wet_threshold"`
}

// RetryConfig configures transient store error retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ExpectRuns           bool    `yaml:"expect_runs" mapstructure:"expect_runs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "wit.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("drill.aggregate_days", 0)
	v.SetDefault("drill.time_chunk", 8)
	v.SetDefault("drill.workers", 8)
	v.SetDefault("drill.kernel_threads", 1)
	v.SetDefault("drill.max_tile_side", 16500)
	v.SetDefault("drill.write_concurrency", 8)
	v.SetDefault("drill.intersect", "postgis")
	v.SetDefault("drill.min_valid_fraction", 0)
	v.SetDefault("drill.wet_threshold", -350)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.expect_runs", false)
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

	return &cfg, nil
}

// Validate checks the values a command mode needs. Modes: "store" for
// commands that only touch the result store, "run" for drills and
// "serve" for the status server.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 || c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, "store.min_conns/max_conns must satisfy 0 <= min <= max, max >= 1")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "store":
	case "run":
		errs = append(errs, c.Drill.validate()...)
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d DrillConfig) validate() []string {
	var errs []string
	if d.AggregateDays < 0 {
		errs = append(errs, "drill.aggregate_days must be >= 0")
	}
	if d.TimeChunk < 1 {
		errs = append(errs, "drill.time_chunk must be >= 1")
	}
	if d.Workers < 1 || d.Workers > 256 {
		errs = append(errs, "drill.workers must be between 1 and 256")
	}
	if d.KernelThreads < 1 {
		errs = append(errs, "drill.kernel_threads must be >= 1")
	}
	if d.MaxTileSide < 1 {
		errs = append(errs, "drill.max_tile_side must be >= 1")
	}
	if d.WriteConcurrency < 1 {
		errs = append(errs, "drill.write_concurrency must be >= 1")
	}
	if d.MinValidFraction < 0 || d.MinValidFraction > 1 {
		errs = append(errs, "drill.min_valid_fraction must be between 0 and 1")
	}
	if d.Intersect != "postgis" && d.Intersect != "local" {
		errs = append(errs, "drill.intersect must be postgis or local")
	}
	return errs
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
