package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// DefaultEvalTimeout bounds a single constraint evaluation.
const DefaultEvalTimeout = 5 * time.Second

// Engine compiles constraint policies and evaluates them against pairs of
// node templates.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	timeout  time.Duration
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in constraints loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		timeout:  DefaultEvalTimeout,
	}

	ctx := context.Background()
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compile(ctx, &builtins[i], true); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Compile adds or replaces a policy.
func (e *Engine) Compile(ctx context.Context, policy Policy) error {
	return e.compile(ctx, &policy, false)
}

func (e *Engine) compile(ctx context.Context, policy *Policy, builtin bool) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return models.NewValidationError(fmt.Sprintf("failed to parse policy %s", policy.Name), err).
			WithResource(policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".allow"),
	).PrepareForEval(ctx)
	if err != nil {
		return models.NewValidationError(fmt.Sprintf("failed to prepare policy %s", policy.Name), err).
			WithResource(policy.Name)
	}
	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}

	e.mu.Lock()
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		builtin:  builtin,
		query:    query,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads and compiles the .rego and .json policies under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(ctx, policies)
}

// Watch loads the policies under paths and keeps them current as the files
// change until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Replace(ctx, policies)
	})
}

// Replace drops every non-built-in policy and compiles policies in their
// place. Nothing changes if any of them fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for i := range policies {
		if err := staged.compile(ctx, &policies[i], false); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Allow evaluates the named policy. A disabled policy allows everything.
func (e *Engine) Allow(ctx context.Context, name string, input ConstraintInput) (bool, error) {
	e.mu.RLock()
	cp, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return false, models.NewNotFoundError("policy", name)
	}
	if !cp.policy.Enabled {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	results, err := cp.query.Eval(ctx, rego.EvalInput(input.document()))
	if err != nil {
		return false, fmt.Errorf("policy %s evaluation error: %w", name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy %s: allow is %T, not a boolean", name, results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// Constraint binds the named policy and its parameters into a predicate
// usable on requirements and node templates.
func (e *Engine) Constraint(name string, params map[string]interface{}) (*Constraint, error) {
	e.mu.RLock()
	_, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return nil, models.NewNotFoundError("policy", name)
	}
	return &Constraint{engine: e, policy: name, params: params}, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, models.NewNotFoundError("policy", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return models.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Constraint is a rego-backed models.NodeTemplateConstraint.
type Constraint struct {
	engine *Engine
	policy string
	params map[string]interface{}
}

// Policy returns the name of the evaluated policy.
func (c *Constraint) Policy() string {
	return c.policy
}

// Matches evaluates the policy for source requiring target. Evaluation
// errors are logged and reject the target.
func (c *Constraint) Matches(source, target *models.NodeTemplate) bool {
	allowed, err := c.engine.Allow(context.Background(), c.policy, ConstraintInput{
		Source: viewOf(source),
		Target: viewOf(target),
		Params: c.params,
	})
	if err != nil {
		c.engine.logger.Error().Err(err).
			Str("policy", c.policy).
			Str("source", source.Name).
			Str("target", target.Name).
			Msg("Constraint evaluation failed")
		return false
	}
	return allowed
}

var _ models.NodeTemplateConstraint = (*Constraint)(nil)
