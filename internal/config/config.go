// Package config loads and validates the copier's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"mt5copier/internal/models"
)

// Defaults for unset settings fields.
const (
	defaultPollingIntervalMs   = 500
	defaultRetryAttempts       = 3
	defaultRetryDelayMs        = 1000
	defaultConnectionTimeoutMs = 5000
	defaultHeartbeatIntervalMs = 10000
	defaultAPIPort             = 8080
	defaultDatabasePath        = "data/copier.db"
)

// Config is the complete application configuration.
type Config struct {
	Master   AccountConfig  `yaml:"master"`
	Slaves   []SlaveConfig  `yaml:"slaves"`
	Settings SettingsConfig `yaml:"settings"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AccountConfig identifies a terminal bridge endpoint and optional
// login credentials.
type AccountConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Login    int64  `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
}

// SlaveConfig is one slave account with its copy policy.
type SlaveConfig struct {
	AccountConfig `yaml:",inline"`
	Enabled       *bool    `yaml:"enabled"` // nil = enabled
	LotMode       string   `yaml:"lot_mode"`
	LotValue      float64  `yaml:"lot_value"`
	MinLot        float64  `yaml:"min_lot"`
	MaxLot        float64  `yaml:"max_lot"`
	SymbolsFilter []string `yaml:"symbols_filter"`
	MagicNumber   int32    `yaml:"magic_number"`
	InvertTrades  bool     `yaml:"invert_trades"`
	MaxSlippage   int      `yaml:"max_slippage"`
}

// SettingsConfig holds the engine timing knobs, all in milliseconds.
// InitialDelayMs defaults to zero: no wait before the first connection.
type SettingsConfig struct {
	InitialDelayMs      int `yaml:"initial_delay_ms"`
	PollingIntervalMs   int `yaml:"polling_interval_ms"`
	RetryAttempts       int `yaml:"retry_attempts"`
	RetryDelayMs        int `yaml:"retry_delay_ms"`
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
}

// DatabaseConfig selects the mapping store backend.
type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite
	Path string `yaml:"path"`
}

// APIConfig is the control surface listen address.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the config file, expands ${ENV} references, applies
// defaults and environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" && configPath == "config.yaml" {
		configPath = env
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.PollingIntervalMs <= 0 {
		c.Settings.PollingIntervalMs = defaultPollingIntervalMs
	}
	if c.Settings.RetryAttempts <= 0 {
		c.Settings.RetryAttempts = defaultRetryAttempts
	}
	if c.Settings.RetryDelayMs <= 0 {
		c.Settings.RetryDelayMs = defaultRetryDelayMs
	}
	if c.Settings.ConnectionTimeoutMs <= 0 {
		c.Settings.ConnectionTimeoutMs = defaultConnectionTimeoutMs
	}
	if c.Settings.HeartbeatIntervalMs <= 0 {
		c.Settings.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Master.Name == "" {
		c.Master.Name = "master"
	}
	for i := range c.Slaves {
		s := &c.Slaves[i]
		if s.LotMode == "" {
			s.LotMode = string(models.LotExact)
		}
		if s.MinLot <= 0 {
			s.MinLot = 0.01
		}
		if s.MaxLot <= 0 {
			s.MaxLot = 100
		}
		if s.MaxSlippage <= 0 {
			s.MaxSlippage = 20
		}
	}
}

// applyEnvOverrides lets deployment environments adjust the handful of
// values that differ between hosts without templating the YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MASTER_HOST"); v != "" {
		c.Master.Host = v
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Master.Port = port
		}
	}
}

// Validate checks consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.Master.Host == "" {
		return fmt.Errorf("master.host is required")
	}
	if c.Master.Port <= 0 || c.Master.Port > 65535 {
		return fmt.Errorf("master.port %d is out of range", c.Master.Port)
	}

	seen := make(map[string]struct{}, len(c.Slaves))
	for i, s := range c.Slaves {
		if s.Name == "" {
			return fmt.Errorf("slaves[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate slave name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Host == "" {
			return fmt.Errorf("slave %s: host is required", s.Name)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("slave %s: port %d is out of range", s.Name, s.Port)
		}
		if !models.LotMode(s.LotMode).Valid() {
			return fmt.Errorf("slave %s: invalid lot_mode %q", s.Name, s.LotMode)
		}
		if models.LotMode(s.LotMode) != models.LotExact &&
			models.LotMode(s.LotMode) != models.LotProportional && s.LotValue <= 0 {
			return fmt.Errorf("slave %s: lot_mode %s requires a positive lot_value", s.Name, s.LotMode)
		}
		if s.MinLot > s.MaxLot {
			return fmt.Errorf("slave %s: min_lot %.2f exceeds max_lot %.2f", s.Name, s.MinLot, s.MaxLot)
		}
	}

	switch c.Database.Type {
	case "sqlite":
	default:
		return fmt.Errorf("database.type %q is not supported", c.Database.Type)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not valid", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not valid", c.Logging.Format)
	}
	return nil
}

// InitialDelay returns the wait before the first connection attempt.
func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Settings.InitialDelayMs) * time.Millisecond
}

// PollingInterval returns the poll interval as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Settings.PollingIntervalMs) * time.Millisecond
}

// RetryDelay returns the base retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Settings.RetryDelayMs) * time.Millisecond
}

// ConnectionTimeout returns the bridge connection timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Settings.ConnectionTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Settings.HeartbeatIntervalMs) * time.Millisecond
}

// MasterModel converts the master section to the runtime model.
func (c *Config) MasterModel() models.MasterConfig {
	return models.MasterConfig{
		Name:     c.Master.Name,
		Host:     c.Master.Host,
		Port:     c.Master.Port,
		Login:    c.Master.Login,
		Password: c.Master.Password,
		Server:   c.Master.Server,
	}
}

// SlaveModels converts the slave sections to runtime models.
func (c *Config) SlaveModels() []models.SlaveConfig {
	out := make([]models.SlaveConfig, 0, len(c.Slaves))
	for _, s := range c.Slaves {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		out = append(out, models.SlaveConfig{
			Name:          s.Name,
			Host:          s.Host,
			Port:          s.Port,
			Enabled:       enabled,
			Login:         s.Login,
			Password:      s.Password,
			Server:        s.Server,
			LotMode:       models.LotMode(s.LotMode),
			LotValue:      s.LotValue,
			MinLot:        s.MinLot,
			MaxLot:        s.MaxLot,
			SymbolsFilter: s.SymbolsFilter,
			MagicNumber:   s.MagicNumber,
			InvertTrades:  s.InvertTrades,
			MaxSlippage:   s.MaxSlippage,
		})
	}
	return out
}
