// Package config loads the YAML configuration for buildos-pipeline,
// grounded on the teacher's persist/internal/config.Config: a typed
// struct tree, a DefaultConfig, a file Load and a Validate pass that
// parses duration strings eagerly so bad config fails at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete buildos-pipeline configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Job     JobConfig     `yaml:"job"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary adapter.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file path, required when Backend == "sqlite".
	Path string `yaml:"path"`
}

// JobConfig configures default job execution limits and bootstrap
// repository seeding.
type JobConfig struct {
	// DefaultTimeout is a duration string (e.g. "1h"), the wall-clock
	// budget given to a job's runner invocations when the caller does
	// not override it.
	DefaultTimeout string `yaml:"default_timeout"`
	// SeedReposEnv names the environment variable read at startup for a
	// comma-separated list of repository URIs to pre-register, mirroring
	// the source system's $SERVE convention. Empty disables seeding.
	SeedReposEnv string `yaml:"seed_repos_env"`
}

// LoggingConfig configures the level of the service's logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the YAML file at path, filling unset fields
// from DefaultConfig and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "",
		},
		Job: JobConfig{
			DefaultTimeout: "1h",
			SeedReposEnv:   "SERVE",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks required fields and that the job timeout duration
// parses, so a malformed config is rejected at startup rather than at
// first use. The logging level is not checked here.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"sqlite\", got %q", c.Storage.Backend)
	}

	if _, err := time.ParseDuration(c.Job.DefaultTimeout); err != nil {
		return fmt.Errorf("invalid job.default_timeout: %w", err)
	}

	return nil
}

// DefaultTimeout parses Job.DefaultTimeout, which Validate already
// guarantees is well-formed.
func (c *Config) DefaultTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Job.DefaultTimeout)
	return d
}
