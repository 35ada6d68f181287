// Package config loads fieldsync settings from TOML or YAML files with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/retry"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/store"
)

var ErrInvalid = errors.New("invalid config")

// Duration decodes from strings such as "1500ms" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Engine       EngineConfig       `toml:"engine" yaml:"engine"`
	Storage      StorageConfig      `toml:"storage" yaml:"storage"`
	Backend      BackendConfig      `toml:"backend" yaml:"backend"`
	Connectivity ConnectivityConfig `toml:"connectivity" yaml:"connectivity"`
	Server       ServerConfig       `toml:"server" yaml:"server"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Schedules    []ScheduleConfig   `toml:"schedules" yaml:"schedules" validate:"dive"`
}

type EngineConfig struct {
	MaxRetries         int      `toml:"max_retries" yaml:"max_retries" validate:"gte=1,lte=100"`
	RetryDelay         Duration `toml:"retry_delay" yaml:"retry_delay" validate:"gt=0"`
	RetryBackoff       string   `toml:"retry_backoff" yaml:"retry_backoff" validate:"oneof=linear exponential"`
	MaxRetryDelay      Duration `toml:"max_retry_delay" yaml:"max_retry_delay" validate:"gte=0"`
	ConflictResolution string   `toml:"conflict_resolution" yaml:"conflict_resolution" validate:"oneof=manual local_wins server_wins merge"`
	GracePeriod        Duration `toml:"grace_period" yaml:"grace_period" validate:"gte=0"`
	TickInterval       Duration `toml:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	LeaseTTL           Duration `toml:"lease_ttl" yaml:"lease_ttl" validate:"gt=0"`
	ActionTimeout      Duration `toml:"action_timeout" yaml:"action_timeout" validate:"gte=0"`
}

type StorageConfig struct {
	Driver        string `toml:"driver" yaml:"driver" validate:"oneof=sqlite badger redis memory"`
	Path          string `toml:"path" yaml:"path" validate:"required_if=Driver sqlite,required_if=Driver badger"`
	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db" validate:"gte=0"`
	KeyPrefix     string `toml:"key_prefix" yaml:"key_prefix"`
}

type BackendConfig struct {
	BaseURL   string   `toml:"base_url" yaml:"base_url" validate:"required,url"`
	Token     string   `toml:"token" yaml:"token"`
	Timeout   Duration `toml:"timeout" yaml:"timeout" validate:"gt=0"`
	RateLimit float64  `toml:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	Burst     int      `toml:"burst" yaml:"burst" validate:"gte=0"`
}

type ConnectivityConfig struct {
	// Mode "probe" polls ProbeURL; "manual" is toggled through the API.
	Mode          string   `toml:"mode" yaml:"mode" validate:"oneof=probe manual"`
	ProbeURL      string   `toml:"probe_url" yaml:"probe_url" validate:"omitempty,url"`
	Interval      Duration `toml:"interval" yaml:"interval" validate:"gt=0"`
	Timeout       Duration `toml:"timeout" yaml:"timeout" validate:"gt=0"`
	InitialOnline bool     `toml:"initial_online" yaml:"initial_online"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"oneof=console json"`
}

// ScheduleConfig enqueues Action on a cron Spec. The action
// "clear_completed" prunes completed actions instead.
type ScheduleConfig struct {
	Name     string            `toml:"name" yaml:"name" validate:"required"`
	Spec     string            `toml:"spec" yaml:"spec" validate:"required"`
	Action   string            `toml:"action" yaml:"action" validate:"required"`
	Payload  map[string]any    `toml:"payload" yaml:"payload"`
	Metadata map[string]string `toml:"metadata" yaml:"metadata"`
}

func NewDefaultConfig() *Config {
	def := engine.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			MaxRetries:         def.MaxRetries,
			RetryDelay:         Duration(def.RetryDelay),
			RetryBackoff:       string(def.RetryBackoff),
			MaxRetryDelay:      Duration(5 * time.Minute),
			ConflictResolution: string(def.ConflictResolution),
			GracePeriod:        Duration(def.GracePeriod),
			TickInterval:       Duration(def.TickInterval),
			LeaseTTL:           Duration(def.LeaseTTL),
			ActionTimeout:      Duration(def.ActionTimeout),
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "fieldsync.db",
			KeyPrefix: "fieldsync",
		},
		Backend: BackendConfig{
			BaseURL:   "http://localhost:3000/api",
			Timeout:   Duration(30 * time.Second),
			RateLimit: 5,
			Burst:     5,
		},
		Connectivity: ConnectivityConfig{
			Mode:          "probe",
			Interval:      Duration(10 * time.Second),
			Timeout:       Duration(3 * time.Second),
			InitialOnline: false,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load applies defaults, then each file in order, then environment overrides.
// Later files win. The result is validated.
func Load(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()
	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}
	applyEnvOverrides(cfg)
	if cfg.Connectivity.Mode == "probe" && cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.Backend.BaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml", "":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIELDSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FIELDSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FIELDSYNC_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("FIELDSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("FIELDSYNC_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FIELDSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRetries = n
		}
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, s := range c.Schedules {
		if err := scheduler.ValidateCronExpression(s.Spec); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalid, s.Name, err)
		}
		if s.Action == scheduler.ClearCompleted {
			continue
		}
		if _, err := domain.ParseActionType(s.Action); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalid, s.Name, err)
		}
	}
	return nil
}

// EngineConfig maps the [engine] section onto engine.Config.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		MaxRetries:         e.MaxRetries,
		RetryDelay:         e.RetryDelay.Std(),
		RetryBackoff:       retry.Backoff(e.RetryBackoff),
		MaxRetryDelay:      e.MaxRetryDelay.Std(),
		ConflictResolution: domain.Resolution(e.ConflictResolution),
		GracePeriod:        e.GracePeriod.Std(),
		TickInterval:       e.TickInterval.Std(),
		LeaseTTL:           e.LeaseTTL.Std(),
		ActionTimeout:      e.ActionTimeout.Std(),
	}
}

func (c *Config) StoreConfig() store.Config {
	s := c.Storage
	return store.Config{
		Driver:        s.Driver,
		Path:          s.Path,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		KeyPrefix:     s.KeyPrefix,
	}
}

// Jobs converts the [[schedules]] entries for the scheduler.
func (c *Config) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		jobs = append(jobs, scheduler.Job{Name: s.Name, Spec: s.Spec, Action: s.Action, Payload: s.Payload, Metadata: s.Metadata})
	}
	return jobs
}
