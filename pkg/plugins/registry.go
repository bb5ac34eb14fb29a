package plugins

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Registry holds installed plugins, several versions per name.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string][]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string][]Plugin)}
}

// canonical turns "1.2" or "v1.2.0" into a semver string understood by
// golang.org/x/mod/semver.
func canonical(version string) string {
	if version == "" {
		return ""
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return semver.Canonical(version)
}

// Register installs a plugin. Registering the same name and version twice is
// a conflict.
func (r *Registry) Register(p Plugin) error {
	v := canonical(p.Version())
	if v == "" {
		return models.NewValidationError(
			fmt.Sprintf("plugin %s has invalid version %q", p.Name(), p.Version()), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins[p.Name()] {
		if canonical(existing.Version()) == v {
			return models.NewConflictError(
				fmt.Sprintf("plugin %s@%s already registered", p.Name(), p.Version()), nil)
		}
	}
	list := append(r.plugins[p.Name()], p)
	slices.SortFunc(list, func(a, b Plugin) int {
		return semver.Compare(canonical(a.Version()), canonical(b.Version()))
	})
	r.plugins[p.Name()] = list
	return nil
}

// MustRegister is Register for package setup code.
func (r *Registry) MustRegister(p Plugin) *Registry {
	if err := r.Register(p); err != nil {
		panic(err)
	}
	return r
}

// Get returns the plugin with the exact version, or the latest when version
// is empty.
func (r *Registry) Get(name, version string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.plugins[name]
	if len(list) == 0 {
		return nil, unknownPlugin(name)
	}
	if version == "" {
		return list[len(list)-1], nil
	}
	want := canonical(version)
	for _, p := range list {
		if canonical(p.Version()) == want {
			return p, nil
		}
	}
	return nil, unknownPlugin(name + "@" + version)
}

// Resolve picks the highest installed version that is at least the
// specification's version.
func (r *Registry) Resolve(spec *models.PluginSpecification) (*models.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.plugins[spec.Name]
	minimum := canonical(spec.Version)
	for i := len(list) - 1; i >= 0; i-- {
		p := list[i]
		if minimum == "" || semver.Compare(canonical(p.Version()), minimum) >= 0 {
			return &models.Plugin{Name: p.Name(), Version: p.Version()}, nil
		}
	}
	return nil, unknownPlugin(spec.Name)
}

// Has reports whether any version of the plugin is installed.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins[name]) > 0
}

// Function resolves a plugin function to code. An empty plugin name picks a
// runtime from the function's file extension.
func (r *Registry) Function(plugin, version, function string) (OperationFunc, error) {
	if plugin == "" {
		plugin = DefaultPluginFor(function)
	}
	p, err := r.Get(plugin, version)
	if err != nil {
		return nil, err
	}
	return p.Resolve(function)
}

// Names lists installed plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func unknownPlugin(name string) *models.Error {
	return models.NewNotFoundError("plugin", name).WithCode(models.ErrCodeUnknownPlugin)
}
