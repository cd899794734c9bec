package blueprints

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
)

// compiledType is a catalog type with its plans converted and, for scripted
// types, its script loaded.
type compiledType struct {
	spec   config.TypeSpec
	plans  map[string]engine.OperationPlan
	script string
}

// Types is the engine.Factory over a blueprint catalog.
type Types struct {
	deps   Deps
	logger *telemetry.Logger

	// mu guards types and catalog, which are replaced together on Update.
	mu      sync.RWMutex
	types   map[string]*compiledType
	catalog *config.Catalog
}

var _ engine.Factory = (*Types)(nil)

// NewTypes compiles catalog and returns the factory.
func NewTypes(catalog *config.Catalog, deps Deps) (*Types, error) {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNopLogger()
	}
	t := &Types{
		deps:   deps,
		logger: deps.Logger.NewComponentLogger("blueprints"),
	}
	if err := t.Update(catalog); err != nil {
		return nil, err
	}
	return t, nil
}

// Update compiles catalog and swaps it in. On error the previous catalog
// stays in effect.
func (t *Types) Update(catalog *config.Catalog) error {
	if catalog == nil {
		return fmt.Errorf("catalog is nil")
	}
	if err := catalog.Err(); err != nil {
		return err
	}

	compiled := make(map[string]*compiledType, len(catalog.Types))
	var problems []string
	for _, name := range catalog.TypeNames() {
		ct, err := t.compile(catalog.Types[name])
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		compiled[name] = ct
	}
	if len(problems) > 0 {
		return engine.NewPermanentError("invalid blueprint catalog: "+strings.Join(problems, "; "), nil).
			WithCode(engine.ErrCodeValidation)
	}

	t.mu.Lock()
	t.types = compiled
	t.catalog = catalog
	t.mu.Unlock()

	t.logger.WithField("types", len(compiled)).Info("Blueprint catalog loaded")
	return nil
}

// compile checks that every method the plans name is implemented by the kind.
func (t *Types) compile(spec config.TypeSpec) (*compiledType, error) {
	plans, err := spec.Plans()
	if err != nil {
		return nil, err
	}
	ct := &compiledType{spec: spec, plans: plans}

	var known map[string]bool
	switch spec.Kind {
	case KindK8s:
		known = handlerNames((&cluster{}).Handlers())
	case KindVRouter:
		known = handlerNames((&router{}).Handlers())
	case KindScripted:
		src, err := os.ReadFile(spec.Script)
		if err != nil {
			return nil, fmt.Errorf("type %s: failed to read script: %w", spec.Name, err)
		}
		ct.script = string(src)
		if t.deps.Starlark == nil {
			return nil, fmt.Errorf("type %s: scripted types need a Starlark evaluator", spec.Name)
		}
		fns, err := t.deps.Starlark.Functions(spec.Name, ct.script)
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", spec.Name, err)
		}
		known = make(map[string]bool, len(fns))
		for _, fn := range fns {
			known[fn] = true
		}
	default:
		return nil, fmt.Errorf("type %s: unknown kind %q", spec.Name, spec.Kind)
	}

	var missing []string
	for _, m := range spec.Methods() {
		if !known[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("type %s (%s) does not implement %s", spec.Name, spec.Kind, strings.Join(missing, ", "))
	}
	return ct, nil
}

// Knows reports whether the type is in the current catalog.
func (t *Types) Knows(blueprintType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.types[blueprintType]
	return ok
}

// Build returns the typed blueprint for a document.
func (t *Types) Build(doc *engine.Document) (engine.Blueprint, error) {
	t.mu.RLock()
	ct, ok := t.types[doc.Type]
	t.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown blueprint type %q", doc.Type), nil).
			WithCode(engine.ErrCodeValidation).WithResource(doc.ID)
	}

	base := instance{
		doc:    doc,
		spec:   ct.spec,
		plans:  ct.plans,
		deps:   t.deps,
		logger: t.logger.WithInstanceID(doc.ID).WithField("type", doc.Type),
	}

	switch ct.spec.Kind {
	case KindK8s:
		return newCluster(base)
	case KindVRouter:
		return newRouter(base)
	default:
		return newScripted(base, ct.script)
	}
}

// Catalog returns the catalog in effect.
func (t *Types) Catalog() *config.Catalog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.catalog
}

// Names returns the known type names in sorted order.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.types))
	for name := range t.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func handlerNames(handlers map[string]engine.Handler) map[string]bool {
	out := make(map[string]bool, len(handlers))
	for name := range handlers {
		out[name] = true
	}
	return out
}
