// Package config loads the collaboration server configuration.
//
// Values are resolved in order: built-in defaults, the YAML file named by
// --config (optional), then environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Auth          AuthConfig          `yaml:"auth"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins lists browser origins accepted for WebSocket upgrades
	// and CORS. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN         string `yaml:"dsn"`
	Compression string `yaml:"compression"`
}

type CollaborationConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	FlushConcurrency int `yaml:"flush_concurrency"`

	// SendBuffer is the number of outbound frames queued per connection
	// before it is closed as too slow.
	SendBuffer        int     `yaml:"send_buffer"`
	MaxMessageSize    int64   `yaml:"max_message_size"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "./data/lattice.db",
			Compression: "zstd",
		},
		Collaboration: CollaborationConfig{
			SweepInterval:     30 * time.Second,
			IdleTimeout:       30 * time.Second,
			StoreTimeout:      10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			FlushConcurrency:  8,
			SendBuffer:        512,
			MaxMessageSize:    1024 * 1024,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := lookup("LATTICE_DB_DRIVER"); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup("LATTICE_DB_PATH"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = v
	}
	if v, ok := lookup("LATTICE_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("LATTICE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (or LATTICE_JWT_SECRET)"))
	}

	col := c.Collaboration
	if col.SweepInterval <= 0 {
		errs = append(errs, errors.New("collaboration.sweep_interval must be positive"))
	}
	if col.IdleTimeout <= 0 {
		errs = append(errs, errors.New("collaboration.idle_timeout must be positive"))
	}
	if col.StoreTimeout <= 0 {
		errs = append(errs, errors.New("collaboration.store_timeout must be positive"))
	}
	if col.SendBuffer <= 0 {
		errs = append(errs, errors.New("collaboration.send_buffer must be positive"))
	}
	if col.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("collaboration.max_message_size must be positive"))
	}
	if col.MessagesPerSecond <= 0 || col.MessageBurst <= 0 {
		errs = append(errs, errors.New("collaboration.messages_per_second and message_burst must be positive"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
