package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// Engine evaluates Rego admission policies against declared resources. It
// implements engine.Validator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	loader   *Loader
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.Validator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy  *Policy
	builtin bool
	query   rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}
	e.loader = NewLoader(logger)

	ctx := context.Background()
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		cp.builtin = true
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Name implements engine.Validator.
func (e *Engine) Name() string {
	return "opa-policy"
}

// Validate implements engine.Validator. It rejects the resource with a
// *DeniedError when any error-severity violation is found.
func (e *Engine) Validate(ctx context.Context, scope engine.Scope, resourceType string, attrs map[string]interface{}) error {
	result, err := e.EvaluateResource(ctx, scope, resourceType, attrs)
	if err != nil {
		return err
	}
	if result.Allowed {
		return nil
	}

	events := telemetry.EventsFromContext(ctx)
	for _, v := range result.Violations {
		resource := v.ResourceType
		if v.BusinessID != "" {
			resource += "/" + v.BusinessID
		}
		_ = events.PublishPolicyViolation(scope.OrgID, scope.Workspace, resource, v.Policy, v.Message)
	}
	return &DeniedError{Violations: result.Violations}
}

// EvaluateResource runs every enabled policy that applies to resourceType.
// A policy that fails to evaluate becomes a warning, never a denial.
func (e *Engine) EvaluateResource(ctx context.Context, scope engine.Scope, resourceType string, attrs map[string]interface{}) (*Result, error) {
	start := e.now()

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled && cp.policy.Applies(resourceType) {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	input := Input{
		Resource: ResourceInput{
			Type:       resourceType,
			BusinessID: businessIDOf(resourceType, attrs),
			Attributes: attrs,
		},
		Context: InputContext{
			OrgID:     scope.OrgID,
			Workspace: scope.Workspace,
			Timestamp: start.UTC(),
		},
	}

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(active))}
	for _, cp := range active {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource_type", resourceType).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:       cp.policy.Name,
				ResourceType: resourceType,
				BusinessID:   input.Resource.BusinessID,
				Message:      fmt.Sprintf("evaluation failed: %v", err),
				Severity:     SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = e.now().Sub(start)

	e.logger.Debug().
		Str("resource_type", resourceType).
		Str("business_id", input.Resource.BusinessID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Resource policy evaluation completed")

	return result, nil
}

// businessIDOf finds the "<type>_id" attribute the built-in kinds use.
func businessIDOf(resourceType string, attrs map[string]interface{}) string {
	if id, ok := engine.BusinessIDOf(attrs, resourceType+"_id"); ok {
		return id
	}
	return ""
}

// evaluate runs one prepared policy and converts its deny set.
func evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	// set iteration order is not stable
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from one deny entry: either a message
// string or an object with message, severity and field keys.
func createViolation(policy *Policy, entry interface{}, input Input) Violation {
	v := Violation{
		Policy:       policy.Name,
		ResourceType: input.Resource.Type,
		BusinessID:   input.Resource.BusinessID,
		Severity:     policy.Severity,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if field, ok := d["field"].(string); ok {
			v.Field = field
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	if v.Severity == "" {
		v.Severity = SeverityWarning
	}
	return v
}

// compile parses a policy and prepares the query of its deny rule.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}
	return &compiledPolicy{policy: policy, query: query}, nil
}

// LoadPolicies loads policy files and directories on top of what is already
// loaded. A policy with the name of a loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// ReplacePolicies swaps every non-built-in policy for policies. Nothing
// changes when any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies replaced")
	return nil
}

func compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}
	return compiled, nil
}

// Watch reloads the policies under paths whenever a policy file changes,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
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
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
