package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// Catalog is the parsed set of blueprint type declarations.
type Catalog struct {
	// Types are keyed by blueprint type name.
	Types map[string]TypeSpec `json:"types" validate:"dive"`

	// SourceFiles lists the files the catalog was built from.
	SourceFiles []string `json:"-"`

	// ParsedAt is when the catalog was parsed.
	ParsedAt time.Time `json:"-"`

	// Errors contains parse and validation errors. A catalog with errors must not be used.
	Errors []ValidationError `json:"-"`
}

// TypeSpec declares one blueprint type: which Go implementation backs it and
// the operation plans it supports.
type TypeSpec struct {
	// Name is the catalog key, filled in after decoding.
	Name string `json:"-"`

	// Description is free text shown by the CLI.
	Description string `json:"description,omitempty"`

	// Kind selects the implementation ("k8s", "vrouter" or "scripted").
	Kind string `json:"kind" validate:"required,oneof=k8s vrouter scripted"`

	// Network is the default network for reservations made by instances of this type.
	Network string `json:"network,omitempty"`

	// Script is the Starlark source path of scripted types, relative to the catalog.
	Script string `json:"script,omitempty" validate:"required_if=Kind scripted"`

	// Params are implementation specific settings (e.g. node sizes, router image).
	Params map[string]interface{} `json:"params,omitempty"`

	// Operations are keyed by operation name.
	Operations map[string]OperationSpec `json:"operations" validate:"required,min=1,dive"`
}

// OperationSpec is the declarative form of an engine.OperationPlan.
type OperationSpec struct {
	Description string      `json:"description,omitempty"`
	Stages      []StageSpec `json:"stages" validate:"dive"`
}

// StageSpec is the declarative form of an engine.Stage.
type StageSpec struct {
	Name      string        `json:"name,omitempty"`
	Build     []HandlerSpec `json:"build,omitempty" validate:"dive"`
	Configure []HandlerSpec `json:"configure,omitempty" validate:"dive"`
	Teardown  []HandlerSpec `json:"teardown,omitempty" validate:"dive"`
}

// HandlerSpec is the declarative form of an engine.HandlerRef.
type HandlerSpec struct {
	Method   string `json:"method" validate:"required"`
	Callback string `json:"callback,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ValidationError represents a catalog error with its source position when known.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// Err folds the catalog errors into a single error, or returns nil.
func (c *Catalog) Err() error {
	if len(c.Errors) == 0 {
		return nil
	}
	msg := c.Errors[0].String()
	if len(c.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(c.Errors)-1)
	}
	return engine.NewPermanentError("invalid blueprint catalog: "+msg, nil).
		WithCode(engine.ErrCodeValidation)
}

// Type returns the spec of a blueprint type.
func (c *Catalog) Type(name string) (TypeSpec, bool) {
	spec, ok := c.Types[name]
	return spec, ok
}

// TypeNames returns the declared type names in sorted order.
func (c *Catalog) TypeNames() []string {
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plans converts the declared operations into engine plans.
func (t TypeSpec) Plans() (map[string]engine.OperationPlan, error) {
	plans := make(map[string]engine.OperationPlan, len(t.Operations))
	for name, op := range t.Operations {
		plan, err := op.Plan()
		if err != nil {
			return nil, fmt.Errorf("type %s operation %s: %w", t.Name, name, err)
		}
		plans[name] = plan
	}
	return plans, nil
}

// Methods returns every handler name the type's operations reference.
func (t TypeSpec) Methods() []string {
	seen := make(map[string]bool)
	for _, op := range t.Operations {
		for _, st := range op.Stages {
			for _, list := range [][]HandlerSpec{st.Build, st.Configure, st.Teardown} {
				for _, h := range list {
					seen[h.Method] = true
					if h.Callback != "" {
						seen[h.Callback] = true
					}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan converts the operation into an engine plan.
func (o OperationSpec) Plan() (engine.OperationPlan, error) {
	plan := engine.OperationPlan{Stages: make([]engine.Stage, 0, len(o.Stages))}
	for i, st := range o.Stages {
		stage := engine.Stage{Name: st.Name}
		var err error
		if stage.Build, err = handlerRefs(st.Build); err != nil {
			return plan, fmt.Errorf("stage %d build: %w", i, err)
		}
		if stage.Configure, err = handlerRefs(st.Configure); err != nil {
			return plan, fmt.Errorf("stage %d configure: %w", i, err)
		}
		if stage.Teardown, err = handlerRefs(st.Teardown); err != nil {
			return plan, fmt.Errorf("stage %d teardown: %w", i, err)
		}
		plan.Stages = append(plan.Stages, stage)
	}
	return plan, nil
}

func handlerRefs(specs []HandlerSpec) ([]engine.HandlerRef, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	refs := make([]engine.HandlerRef, 0, len(specs))
	for _, h := range specs {
		ref := engine.HandlerRef{Method: h.Method, Callback: h.Callback}
		if h.Timeout != "" {
			d, err := time.ParseDuration(h.Timeout)
			if err != nil {
				return nil, fmt.Errorf("handler %s: invalid timeout %q: %w", h.Method, h.Timeout, err)
			}
			ref.Timeout = d
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// StarlarkResult represents the result of Starlark script execution.
type StarlarkResult struct {
	Output        map[string]interface{} `json:"output"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Error         string                 `json:"error,omitempty"`
}
