package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/pgdesk/internal/env"
	"github.com/loykin/pgdesk/internal/logger"
	"github.com/loykin/pgdesk/internal/port"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

// EnvPrefix is prepended to environment overrides, e.g. PGDESK_PORTS_PREFERRED.
const EnvPrefix = "PGDESK"

// Config is the tuning configuration read from an optional TOML file.
// Every field has a default; the file and environment only override.
type Config struct {
	App      AppConfig      `toml:"app" mapstructure:"app"`
	Database DatabaseConfig `toml:"database" mapstructure:"database"`
	Ports    PortConfig     `toml:"ports" mapstructure:"ports"`
	Timeouts TimeoutConfig  `toml:"timeouts" mapstructure:"timeouts"`
	Stop     StopConfig     `toml:"stop" mapstructure:"stop"`
	Strategy StrategyConfig `toml:"strategy" mapstructure:"strategy"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`

	// Env and EnvFiles are passed to the database server process.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
}

type AppConfig struct {
	Name        string `toml:"name" mapstructure:"name"`
	InstallRoot string `toml:"install_root" mapstructure:"install_root"` // empty: directory of the executable
	BinSubdir   string `toml:"bin_subdir" mapstructure:"bin_subdir"`
	DataRoot    string `toml:"data_root" mapstructure:"data_root"` // empty: per-user OS location
}

type DatabaseConfig struct {
	Name           string `toml:"name" mapstructure:"name"`
	Superuser      string `toml:"superuser" mapstructure:"superuser"`
	ExpectedMajor  int    `toml:"expected_major" mapstructure:"expected_major"` // 0 disables the PG_VERSION check
	PasswordLength int    `toml:"password_length" mapstructure:"password_length"`
}

type PortConfig struct {
	Preferred  int `toml:"preferred" mapstructure:"preferred"`
	RangeStart int `toml:"range_start" mapstructure:"range_start"`
	RangeEnd   int `toml:"range_end" mapstructure:"range_end"`
}

type TimeoutConfig struct {
	Start         time.Duration `toml:"start" mapstructure:"start"`
	ExtendedStart time.Duration `toml:"extended_start" mapstructure:"extended_start"`
	Poll          time.Duration `toml:"poll" mapstructure:"poll"`
	StopWait      time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	Shutdown      time.Duration `toml:"shutdown" mapstructure:"shutdown"`
	LockWait      time.Duration `toml:"lock_wait" mapstructure:"lock_wait"`
}

type StopConfig struct {
	Attempts       int           `toml:"attempts" mapstructure:"attempts"`
	BackoffInitial time.Duration `toml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
}

type StrategyConfig struct {
	// DefaultMode answers the run-mode question when no user is asked: "user_session" or "service".
	DefaultMode string `toml:"default_mode" mapstructure:"default_mode"`
	// Register installs the login task or service after the first start.
	Register bool `toml:"register" mapstructure:"register"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"` // empty: Layout.HistoryDB
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pgdesk")
	v.SetDefault("app.install_root", "")
	v.SetDefault("app.bin_subdir", "resources/postgres/bin")
	v.SetDefault("app.data_root", "")

	v.SetDefault("database.name", runtimecfg.DefaultDatabase)
	v.SetDefault("database.superuser", runtimecfg.DefaultUser)
	v.SetDefault("database.expected_major", 0)
	v.SetDefault("database.password_length", 24)

	v.SetDefault("ports.preferred", port.DefaultPreferred)
	v.SetDefault("ports.range_start", port.DefaultRangeStart)
	v.SetDefault("ports.range_end", port.DefaultRangeEnd)

	v.SetDefault("timeouts.start", "30s")
	v.SetDefault("timeouts.extended_start", "90s")
	v.SetDefault("timeouts.poll", "200ms")
	v.SetDefault("timeouts.stop_wait", "10s")
	v.SetDefault("timeouts.shutdown", "30s")
	v.SetDefault("timeouts.lock_wait", "2m")

	v.SetDefault("stop.attempts", 3)
	v.SetDefault("stop.backoff_initial", "500ms")
	v.SetDefault("stop.backoff_max", "5s")

	v.SetDefault("strategy.default_mode", "")
	v.SetDefault("strategy.register", true)

	v.SetDefault("server.listen", "127.0.0.1:54300")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	d := logger.DefaultConfig()
	v.SetDefault("log.slog.level", string(d.Slog.Level))
	v.SetDefault("log.slog.format", string(d.Slog.Format))
	v.SetDefault("log.slog.color", d.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Slog.TimeStamps)
	v.SetDefault("log.slog.source", d.Slog.Source)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
}

// Default returns the built-in configuration with environment overrides applied.
func Default() (*Config, error) { return Load("") }

// Load reads path (TOML) when non-empty, applies PGDESK_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the lifecycle manager cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.App.Name) == "" {
		errs = append(errs, errors.New("app.name is required"))
	}
	if c.Database.Name == "" || c.Database.Superuser == "" {
		errs = append(errs, errors.New("database.name and database.superuser are required"))
	}
	if c.Database.PasswordLength < 16 {
		errs = append(errs, fmt.Errorf("database.password_length %d is below 16", c.Database.PasswordLength))
	}
	p := c.Ports
	if p.RangeStart <= 0 || p.RangeEnd > 65535 || p.RangeStart > p.RangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", p.RangeStart, p.RangeEnd))
	}
	if p.Preferred < 0 || p.Preferred > 65535 {
		errs = append(errs, fmt.Errorf("invalid preferred port %d", p.Preferred))
	}
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"timeouts.start": t.Start, "timeouts.extended_start": t.ExtendedStart, "timeouts.poll": t.Poll,
		"timeouts.stop_wait": t.StopWait, "timeouts.shutdown": t.Shutdown, "timeouts.lock_wait": t.LockWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if t.ExtendedStart > 0 && t.ExtendedStart < t.Start {
		errs = append(errs, errors.New("timeouts.extended_start must not be shorter than timeouts.start"))
	}
	if t.Poll > 0 && t.Start > 0 && t.Poll >= t.Start {
		errs = append(errs, errors.New("timeouts.poll must be shorter than timeouts.start"))
	}
	if c.Stop.Attempts < 1 {
		errs = append(errs, errors.New("stop.attempts must be at least 1"))
	}
	if c.Stop.BackoffInitial <= 0 || c.Stop.BackoffMax < c.Stop.BackoffInitial {
		errs = append(errs, errors.New("stop backoff must be positive and backoff_max >= backoff_initial"))
	}
	if c.Strategy.DefaultMode != "" {
		if _, err := runtimecfg.ParseRunMode(c.Strategy.DefaultMode); err != nil {
			errs = append(errs, fmt.Errorf("strategy.default_mode: %w", err))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ServerEnv merges env_files (in order) and then env entries; later values win.
func (c *Config) ServerEnv() ([]string, error) {
	m := make(env.Var)
	for _, p := range c.EnvFiles {
		pairs, err := env.ParseFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		m[k] = v
	}
	return m.List(), nil
}
