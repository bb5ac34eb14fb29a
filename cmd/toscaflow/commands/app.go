package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/toscaflow/pkg/config"
	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
	"github.com/openfroyo/toscaflow/pkg/policy"
	"github.com/openfroyo/toscaflow/pkg/stores"
	"github.com/openfroyo/toscaflow/pkg/telemetry"
	"github.com/openfroyo/toscaflow/pkg/topology"
)

// app is what a command runs against: configuration, telemetry, plugins,
// policies and, for commands that touch state, the store.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	plugins  *plugins.Builtin
	policies *policy.Engine
	store    *stores.SQLiteStore
}

// loadConfig reads --config and applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	switch {
	case logLevel != "":
		cfg.Telemetry.Logging.Level = logLevel
	case verbose:
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp sets up everything but the store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return setupApp(ctx, cfg)
}

func setupApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	a.plugins, err = plugins.NewBuiltin(ctx, plugins.BuiltinOptions{
		Wasm: cfg.Plugins.Wasm,
		SSH:  cfg.Plugins.SSH,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}

	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if paths := cfg.Policies.Paths; len(paths) > 0 {
		if cfg.Policies.Watch {
			err = a.policies.Watch(ctx, paths)
		} else {
			err = a.policies.LoadPolicies(ctx, paths)
		}
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return a, nil
}

// newStoreApp is newApp with the store opened and migrated.
func newStoreApp(ctx context.Context) (*app, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, err
	}
	path := a.cfg.Store.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	a.store, err = stores.Open(ctx, a.cfg.Store)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	a.logger.Debug().Str("path", path).Msg("Store opened")
	return a, nil
}

// Close releases whatever newApp and newStoreApp set up.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.plugins != nil {
		errs = append(errs, a.plugins.Close(ctx))
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// withApp runs fn against a store-backed app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newStoreApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	return fn(ctx, a)
}

func (a *app) loader() (*config.TemplateLoader, error) {
	return config.NewTemplateLoader(a.policies, a.logger)
}

func (a *app) topology() *topology.Topology {
	return topology.New(topology.Options{Plugins: a.plugins.Registry, Logger: a.logger})
}

// service finds a service by name, falling back to its id.
func (a *app) service(ctx context.Context, ref string) (*models.Service, error) {
	service, err := a.store.GetServiceByName(ctx, ref)
	if models.IsNotFound(err) {
		service, err = a.store.GetService(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", ref, err)
	}
	return service, nil
}

// parseInputs turns key=value flags into a map. Values are YAML scalars or
// collections, so --input port=8080 yields an integer.
func parseInputs(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, models.NewValidationError(fmt.Sprintf("input %q is not key=value", pair), nil)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, models.NewValidationError(fmt.Sprintf("input %s has an invalid value", key), err)
		}
		if value == nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}
