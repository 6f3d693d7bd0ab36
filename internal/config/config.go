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
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Prefill PrefillConfig `yaml:"prefill" mapstructure:"prefill"`
	Agent   AgentConfig   `yaml:"agent" mapstructure:"agent"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PrefillConfig configures the intent lifecycle on the server.
type PrefillConfig struct {
	RequireStopBeforeSubmit bool `yaml:"require_stop_before_submit" mapstructure:"require_stop_before_submit"`
	// SweepIntervalSecs enables the background expiry sweep when > 0.
	SweepIntervalSecs int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	FetchedGraceMins  int `yaml:"fetched_grace_mins" mapstructure:"fetched_grace_mins"`
}

// SweepInterval returns the sweep period, zero when disabled.
func (p PrefillConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSecs) * time.Second
}

// FetchedGrace returns how long a fetched intent may outlive its token
// before the sweep expires it.
func (p PrefillConfig) FetchedGrace() time.Duration {
	return time.Duration(p.FetchedGraceMins) * time.Minute
}

// AgentConfig configures the local agent.
type AgentConfig struct {
	APIBaseURL       string `yaml:"api_base_url" mapstructure:"api_base_url"`
	StopBeforeSubmit bool   `yaml:"stop_before_submit" mapstructure:"stop_before_submit"`
	OutputDir        string `yaml:"output_dir" mapstructure:"output_dir"`
	ReportAttempts   int    `yaml:"report_attempts" mapstructure:"report_attempts"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JOBLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "jobly.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("prefill.require_stop_before_submit", true)
	v.SetDefault("prefill.sweep_interval_secs", 0)
	v.SetDefault("prefill.fetched_grace_mins", 60)
	v.SetDefault("agent.api_base_url", "http://localhost:8000")
	v.SetDefault("agent.stop_before_submit", true)
	v.SetDefault("agent.output_dir", "./prefill-runs")
	v.SetDefault("agent.report_attempts", 4)
	v.SetDefault("agent.timeout_secs", 30)

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

// Validate checks the settings a command mode depends on. Modes are "store"
// (anything touching the database), "serve" and "agent".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		errs = c.validateStore(errs)
	case "serve":
		errs = c.validateStore(errs)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
			errs = append(errs, "server.rate_limit_burst must be >= 1 when rate limiting is on")
		}
		if c.Prefill.SweepIntervalSecs < 0 {
			errs = append(errs, "prefill.sweep_interval_secs must be >= 0")
		}
		if c.Prefill.FetchedGraceMins < 0 {
			errs = append(errs, "prefill.fetched_grace_mins must be >= 0")
		}
	case "agent":
		if c.Agent.APIBaseURL == "" {
			errs = append(errs, "agent.api_base_url is required")
		}
		if c.Agent.OutputDir == "" {
			errs = append(errs, "agent.output_dir is required")
		}
		if c.Agent.ReportAttempts < 1 {
			errs = append(errs, "agent.report_attempts must be >= 1")
		}
		if c.Agent.TimeoutSecs <= 0 {
			errs = append(errs, "agent.timeout_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore(errs []string) []string {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "postgres":
		if !strings.HasPrefix(c.Store.DatabaseURL, "postgres://") && !strings.HasPrefix(c.Store.DatabaseURL, "postgresql://") {
			errs = append(errs, "store.database_url must be a postgres:// url for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres, got "+strings.TrimSpace(c.Store.Driver))
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
