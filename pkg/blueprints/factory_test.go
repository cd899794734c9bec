package blueprints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/rs/zerolog"
)

func TestNewTypes(t *testing.T) {
	types, err := NewTypes(parseCatalog(t, testCatalog), Deps{})
	if err != nil {
		t.Fatalf("NewTypes error = %v", err)
	}

	if got := types.Names(); len(got) != 2 || got[0] != "edge-router" || got[1] != "k8s-small" {
		t.Errorf("Names() = %v", got)
	}
	if !types.Knows("k8s-small") || types.Knows("nope") {
		t.Error("Knows() mismatch")
	}

	bp, err := types.Build(&engine.Document{ID: "c1", Type: "k8s-small"})
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	if _, ok := bp.Operations()["scale"]; !ok {
		t.Errorf("expected scale operation, got %v", bp.Operations())
	}
	if _, ok := bp.Handlers()["vim_confirmed"]; !ok {
		t.Error("expected vim_confirmed handler")
	}

	if _, err := types.Build(&engine.Document{ID: "x", Type: "nope"}); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Build(unknown) error = %v, want validation", err)
	}
}

func TestNewTypes_UnknownMethod(t *testing.T) {
	src := `
types: "bad-router": {
	kind: "vrouter"
	operations: init: stages: [{build: [{method: "frobnicate"}]}]
}
`
	_, err := NewTypes(parseCatalog(t, src), Deps{})
	if err == nil {
		t.Fatal("expected error for unimplemented method")
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) || !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("error = %v", err)
	}
}

func TestTypes_UpdateKeepsPrevious(t *testing.T) {
	types, err := NewTypes(parseCatalog(t, testCatalog), Deps{})
	if err != nil {
		t.Fatal(err)
	}

	bad := &config.Catalog{Errors: []config.ValidationError{{Message: "broken", Severity: "error"}}}
	if err := types.Update(bad); err == nil {
		t.Fatal("expected error for catalog with errors")
	}
	if !types.Knows("k8s-small") {
		t.Error("previous catalog must stay in effect")
	}

	next := parseCatalog(t, `
types: "edge-router": {
	kind: "vrouter"
	operations: init: stages: [{build: [{method: "reserve_mgmt"}]}]
}
`)
	if err := types.Update(next); err != nil {
		t.Fatalf("Update error = %v", err)
	}
	if types.Knows("k8s-small") {
		t.Error("k8s-small should be gone after update")
	}
	if types.Catalog() != next {
		t.Error("Catalog() should return the new catalog")
	}
}

func TestNewTypes_Scripted(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "echo.star")
	if err := os.WriteFile(script, []byte("def setup(ctx):\n    return {\"ok\": True}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := `
types: "echo": {
	kind:   "scripted"
	script: "` + script + `"
	operations: init: stages: [{build: [{method: "setup"}, {method: "missing"}]}]
}
`
	cat := parseCatalog(t, src)

	if _, err := NewTypes(cat, Deps{}); err == nil {
		t.Error("expected error without a Starlark evaluator")
	}

	deps := Deps{Starlark: config.NewStarlarkEvaluator(time.Second, zerolog.Nop())}
	_, err := NewTypes(cat, deps)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected missing function error, got %v", err)
	}
}
