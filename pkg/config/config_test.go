package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toscaflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if cfg.Executor.Kind != ExecutorThread || cfg.Executor.Workers < 1 {
		t.Errorf("Unexpected executor defaults %+v", cfg.Executor)
	}
	if filepath.Base(cfg.Store.Path) != "toscaflow.db" {
		t.Errorf("Unexpected store path %s", cfg.Store.Path)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvDatabase, "")
	t.Setenv(EnvLogLevel, "")

	path := writeConfig(t, `
store:
  path: /var/lib/toscaflow/state.db
executor:
  kind: process
  workers: 8
  worker_command: [toscaflow-worker]
engine:
  task_max_attempts: -1
  task_retry_interval: 5s
  task_ignore_failure: true
telemetry:
  logging:
    level: debug
plugins:
  wasm:
    memory_limit_pages: 64
  ssh:
    user: deploy
    port: 2222
policies:
  paths: [policies/]
  watch: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "/var/lib/toscaflow/state.db" {
		t.Errorf("Unexpected store path %s", cfg.Store.Path)
	}
	if cfg.Executor.Kind != ExecutorProcess || cfg.Executor.Workers != 8 || cfg.Executor.WorkerCommand[0] != "toscaflow-worker" {
		t.Errorf("Unexpected executor %+v", cfg.Executor)
	}
	if cfg.Engine.TaskMaxAttempts != -1 || cfg.Engine.TaskRetryInterval != 5*time.Second || !cfg.Engine.TaskIgnoreFailure {
		t.Errorf("Unexpected engine %+v", cfg.Engine)
	}
	if cfg.Engine.PollInterval != Default().Engine.PollInterval {
		t.Errorf("Expected the default poll interval to survive, got %v", cfg.Engine.PollInterval)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Unexpected logging %+v", cfg.Telemetry.Logging)
	}
	if cfg.Plugins.Wasm.MemoryLimitPages != 64 || cfg.Plugins.SSH.User != "deploy" || cfg.Plugins.SSH.Port != 2222 {
		t.Errorf("Unexpected plugins %+v", cfg.Plugins)
	}
	if len(cfg.Policies.Paths) != 1 || !cfg.Policies.Watch {
		t.Errorf("Unexpected policies %+v", cfg.Policies)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabase, "/tmp/override.db")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeConfig(t, "store:\n  path: /tmp/file.db\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("Expected %s to win, got %s", EnvDatabase, cfg.Store.Path)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Expected %s to win, got %s", EnvLogLevel, cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvDatabase, "")
	t.Setenv(EnvLogLevel, "")

	tests := map[string]string{
		"executor kind":     "executor:\n  kind: fork\n",
		"no workers":        "executor:\n  workers: 0\n",
		"zero max attempts": "engine:\n  task_max_attempts: 0\n",
		"log level":         "telemetry:\n  logging:\n    level: loud\n",
		"empty store path":  "store:\n  path: \"\"\n",
		"malformed":         "store: [\n",
	}
	for name, content := range tests {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	if _, err := Load("/nonexistent/toscaflow.yaml"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
