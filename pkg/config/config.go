package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/stores"
	"github.com/openfroyo/toscaflow/pkg/telemetry"
	"github.com/openfroyo/toscaflow/pkg/transports/ssh"
)

// Environment variables overriding the config file.
const (
	EnvDatabase = "TOSCAFLOW_DB"
	EnvLogLevel = "LOG_LEVEL"
)

// Executor kinds.
const (
	ExecutorThread  = "thread"
	ExecutorProcess = "process"
)

// Config is the toscaflow application configuration.
type Config struct {
	Store     stores.Config    `yaml:"store"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Engine    EngineConfig     `yaml:"engine"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Plugins   PluginsConfig    `yaml:"plugins"`
	Policies  PoliciesConfig   `yaml:"policies"`
}

// ExecutorConfig selects how operation tasks run.
type ExecutorConfig struct {
	Kind    string `yaml:"kind" validate:"oneof=thread process"`
	Workers int    `yaml:"workers" validate:"gte=1"`

	// WorkerCommand starts a process-executor worker. Empty re-executes the
	// current binary with the hidden worker command.
	WorkerCommand []string `yaml:"worker_command,omitempty"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// EngineConfig holds workflow defaults.
type EngineConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	TaskMaxAttempts   int           `yaml:"task_max_attempts" validate:"min=-1,ne=0"`
	TaskRetryInterval time.Duration `yaml:"task_retry_interval" validate:"gte=0"`
	TaskIgnoreFailure bool          `yaml:"task_ignore_failure"`
}

// PluginsConfig configures the built-in plugins.
type PluginsConfig struct {
	Wasm plugins.WasmConfig `yaml:"wasm"`
	SSH  ssh.Config         `yaml:"ssh"`
}

// PoliciesConfig lists rego policy files and directories. With Watch set,
// changed policies are recompiled while the process runs.
type PoliciesConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// DefaultDir is where toscaflow keeps its state, relative to the home
// directory.
const DefaultDir = ".toscaflow"

// Default returns the configuration used when no file is given.
func Default() *Config {
	dbPath := filepath.Join(DefaultDir, "toscaflow.db")
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, dbPath)
	}
	return &Config{
		Store: stores.Config{
			Path:         dbPath,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Executor: ExecutorConfig{
			Kind:           ExecutorThread,
			Workers:        4,
			StartupTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval:      100 * time.Millisecond,
			TaskMaxAttempts:   1,
			TaskRetryInterval: 0,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies TOSCAFLOW_DB and LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if db := os.Getenv(EnvDatabase); db != "" {
		c.Store.Path = db
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Telemetry.Logging.Level = level
	}
}

// Validate checks field constraints and the telemetry section.
func (c *Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
