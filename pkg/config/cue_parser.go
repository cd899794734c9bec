package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses blueprint catalogs written in CUE.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new catalog parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Parse parses catalog files and directories. Every source is unified into one
// value and checked against the #Catalog schema. Schema and decoding problems
// are reported in Catalog.Errors; the returned error is reserved for I/O failures.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Catalog, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError
	baseDir := ""

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var files []string
		if info.IsDir() {
			files, err = cp.LoadFromDirectory(source)
			if err != nil {
				return nil, err
			}
			if baseDir == "" {
				baseDir = source
			}
		} else {
			files = []string{source}
			if baseDir == "" {
				baseDir = filepath.Dir(source)
			}
		}

		for _, file := range files {
			val, errs := cp.loadFile(file)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
				continue
			}
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
			sourceFiles = append(sourceFiles, file)
		}
	}

	if len(parseErrors) > 0 || !cueValue.Exists() {
		if len(parseErrors) == 0 {
			parseErrors = append(parseErrors, ValidationError{
				Message:  "no CUE files found",
				Severity: "error",
			})
		}
		return &Catalog{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extractCatalog(cueValue, sourceFiles, baseDir)
}

// ParseInline parses inline CUE content. Relative script paths resolve
// against the working directory.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*Catalog, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Catalog{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractCatalog(val, []string{"inline"}, "")
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractCatalog checks a unified value against the schema and decodes it.
func (cp *CUEParser) extractCatalog(val cue.Value, sourceFiles []string, baseDir string) (*Catalog, error) {
	catalog := &Catalog{
		Types:       make(map[string]TypeSpec),
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	schema, err := cp.schemaRegistry.Definition("catalog", "#Catalog")
	if err != nil {
		return nil, err
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		catalog.Errors = append(catalog.Errors, cp.convertCUEErrors(err)...)
		return catalog, nil
	}

	typesVal := unified.LookupPath(cue.ParsePath("types"))
	iter, err := typesVal.Fields()
	if err != nil {
		catalog.Errors = append(catalog.Errors, ValidationError{
			Path:     "types",
			Message:  fmt.Sprintf("failed to iterate types: %v", err),
			Severity: "error",
		})
		return catalog, nil
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		spec, err := cp.extractType(name, iter.Value(), baseDir)
		if err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{
				Path:     "types." + name,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		catalog.Types[name] = spec
	}

	return catalog, nil
}

// extractType decodes and validates one blueprint type.
func (cp *CUEParser) extractType(name string, val cue.Value, baseDir string) (TypeSpec, error) {
	var spec TypeSpec
	if err := val.Decode(&spec); err != nil {
		return spec, fmt.Errorf("failed to decode type: %w", err)
	}
	spec.Name = name

	if err := cp.validator.Struct(spec); err != nil {
		return spec, fmt.Errorf("validation failed: %w", err)
	}

	if spec.Script != "" && !filepath.IsAbs(spec.Script) && baseDir != "" {
		spec.Script = filepath.Join(baseDir, spec.Script)
	}

	// Timeouts are checked by the schema; converting here surfaces them with the type name.
	if _, err := spec.Plans(); err != nil {
		return spec, err
	}

	return spec, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     pathString(e.Path()),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON renders a catalog as JSON, for `blueprintd validate --json`.
func (cp *CUEParser) ExportJSON(catalog *Catalog) ([]byte, error) {
	return json.MarshalIndent(catalog, "", "  ")
}

// LoadFromDirectory lists the CUE files of a catalog directory in name order.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
