package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/autoflow/autoflow/pkg/isolation"
	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/stores"
	"github.com/autoflow/autoflow/pkg/telemetry"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// EnvConfigPath overrides the configuration file path.
const EnvConfigPath = "AUTOFLOW_CONFIG"

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "autoflow.yaml"

// AppConfig is the application configuration.
type AppConfig struct {
	Executor  ExecutorConfig   `yaml:"executor"`
	Recovery  recovery.Config  `yaml:"recovery"`
	Isolation isolation.Config `yaml:"isolation"`
	Store     stores.Config    `yaml:"store"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ExecutorConfig configures the workflow executor.
type ExecutorConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" validate:"gte=1"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay" validate:"gte=0"`
}

// Options converts the configuration into executor options.
func (c ExecutorConfig) Options() workflow.Options {
	return workflow.Options{
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		BackoffMultiplier:  c.BackoffMultiplier,
		MaxRetryDelay:      c.MaxRetryDelay,
	}
}

// PolicyConfig configures the script policy gate.
type PolicyConfig struct {
	// Enabled turns the gate on. The built-in policies apply even with no paths.
	Enabled bool `yaml:"enabled"`

	// Paths are .rego/.json files or directories of custom policies.
	Paths []string `yaml:"paths"`

	// Watch reloads custom policies when their files change.
	Watch bool `yaml:"watch"`
}

// Default returns the default application configuration.
func Default() *AppConfig {
	opts := workflow.DefaultOptions()
	return &AppConfig{
		Executor: ExecutorConfig{
			MaxConcurrentTasks: opts.MaxConcurrentTasks,
			BackoffMultiplier:  opts.BackoffMultiplier,
			MaxRetryDelay:      opts.MaxRetryDelay,
		},
		Recovery:  recovery.DefaultConfig(),
		Isolation: isolation.DefaultConfig(),
		Store:     stores.Config{Path: defaultStorePath()},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

func defaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "autoflow", "history.db")
	}
	return "autoflow.db"
}

var validate = validator.New()

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Isolation.SSH != nil {
		if err := c.Isolation.SSH.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: isolation.ssh: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}
	return nil
}

// Load reads the configuration at path on top of the defaults. An empty path
// falls back to $AUTOFLOW_CONFIG, then to ./autoflow.yaml if it exists; with
// none of them the defaults are returned.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigFile
		explicit = false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return validated(cfg)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return validated(cfg)
}

func validated(cfg *AppConfig) (*AppConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *AppConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
