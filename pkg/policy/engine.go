package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
)

// Options configures the policy engine.
type Options struct {
	// MaxReservation is exposed to policies as data.blueprintd.limits.max_reservation.
	// Zero disables the built-in reservation limit.
	MaxReservation int

	// Environment is exposed as input.context.environment.
	Environment string

	// Events receives a policy.violation event per denying policy. Optional.
	Events *telemetry.EventPublisher
}

// Engine evaluates Rego admission policies. It implements engine.Admission.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	logger      zerolog.Logger
	loader      *Loader
	environment string
	paths       []string
	events      *telemetry.EventPublisher
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	store := inmem.NewFromObject(map[string]interface{}{
		"blueprintd": map[string]interface{}{
			"limits": map[string]interface{}{
				"max_reservation": opts.MaxReservation,
			},
		},
	})

	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		store:       store,
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		loader:      NewLoader(logger),
		environment: opts.Environment,
		events:      opts.Events,
	}

	ctx := context.Background()
	for _, p := range GetBuiltinPolicies() {
		p := p
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit screens an engine request. Blocking violations are returned as a
// POLICY_DENIED rejection; warnings are only logged.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) error {
	input := inputFromAdmission(req, e.environment)

	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	instanceID := ""
	if input.Instance != nil {
		instanceID = input.Instance.ID
	}
	return e.enforce(decision, req.Action, instanceID, req.Operation)
}

// AdmitReservation screens an address reservation request.
func (e *Engine) AdmitReservation(ctx context.Context, req ReservationRequest) error {
	input := &Input{
		Action: "reserve",
		Reservation: &ReservationInput{
			Network: req.Network,
			Owner:   req.Owner,
			Count:   req.Count,
		},
		Context: InputContext{Environment: e.environment, Timestamp: time.Now()},
	}

	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	return e.enforce(decision, "reserve", req.Owner, "")
}

func (e *Engine) enforce(d *Decision, action, resource, operation string) error {
	for _, w := range d.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("action", action).
			Str("resource", resource).
			Msg(w.Message)
	}

	if d.Allowed {
		return nil
	}

	messages := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		if e.events != nil {
			if err := e.events.PublishPolicyViolation(resource, v.Policy, v.Message); err != nil {
				e.logger.Debug().Err(err).Str("policy", v.Policy).Msg("Failed to publish policy violation")
			}
		}
	}

	e.logger.Info().
		Str("action", action).
		Str("resource", resource).
		Int("violations", len(d.Violations)).
		Msg("Request denied by policy")

	return engine.NewPermanentError(fmt.Sprintf("%s denied by policy (%s)", action, strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(resource).
		WithOperation(operation).
		WithDetail("violations", d.Violations)
}

// Evaluate runs every enabled policy against the input.
// A policy that fails to evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		compiled = append(compiled, e.policies[name])
	}
	e.mu.RUnlock()

	decision := &Decision{
		Allowed:           true,
		EvaluatedPolicies: names,
	}

	instanceID := ""
	if input.Instance != nil {
		instanceID = input.Instance.ID
	}

	for _, cp := range compiled {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("action", input.Action).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   cp.policy.Name,
				Instance: instanceID,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			v.Instance = instanceID
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("action", input.Action).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// evaluatePolicy evaluates a single compiled policy's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
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
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation converts one deny entry. Entries may be plain strings or
// objects with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies replaces all non built-in policies with those found in paths.
// Nothing changes when any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.replaceUserPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = paths
	e.mu.Unlock()
	return nil
}

func (e *Engine) replaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := &policies[i]
		cp, err := e.compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Watch reloads policies from paths whenever a policy file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceUserPolicies(ctx, policies)
	})
}

// StopWatching stops the policy file watcher.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// ReloadPolicies re-reads the paths of the last LoadPolicies call.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := e.paths
	e.mu.RUnlock()

	if len(paths) == 0 {
		return nil
	}
	e.loader.ClearCache()
	return e.LoadPolicies(ctx, paths)
}

// SetMaxReservation updates data.blueprintd.limits.max_reservation.
func (e *Engine) SetMaxReservation(ctx context.Context, limit int) error {
	path := storage.MustParsePath("/blueprintd/limits/max_reservation")
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, path, limit); err != nil {
		return fmt.Errorf("failed to update reservation limit: %w", err)
	}
	return nil
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

// ListPolicies returns all loaded policies ordered by name.
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
	cp.policy.UpdatedAt = time.Now()
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
