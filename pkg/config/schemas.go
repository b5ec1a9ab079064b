package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/engine"
)

// schemaDefinition is the definition every schema source must declare.
const schemaDefinition = "#Schema"

// SchemaRegistry holds one CUE schema per resource type and validates
// declared attributes against it. It implements engine.Validator.
type SchemaRegistry struct {
	// cue.Context is not safe for concurrent use, so mu guards ctx as well
	// as schemas.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
	logger  zerolog.Logger
}

var _ engine.Validator = (*SchemaRegistry)(nil)

// NewSchemaRegistry creates a registry with the built-in schemas of the five
// record kinds.
func NewSchemaRegistry(logger zerolog.Logger) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
		logger:  logger.With().Str("component", "cue-schemas").Logger(),
	}

	for resourceType, src := range builtinSchemas {
		if err := sr.RegisterSchema(resourceType, src); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", resourceType, err))
		}
	}
	return sr
}

// Name implements engine.Validator.
func (sr *SchemaRegistry) Name() string {
	return "cue-schema"
}

// RegisterSchema compiles src and registers its #Schema definition for
// resourceType, replacing any previous schema. The shared #ID, #Email and
// #Date definitions are in scope.
func (sr *SchemaRegistry) RegisterSchema(resourceType, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schemaPrelude+src, cue.Filename(resourceType+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", resourceType, err)
	}

	def := val.LookupPath(cue.ParsePath(schemaDefinition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", resourceType, schemaDefinition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("invalid schema %s: %w", resourceType, err)
	}

	sr.schemas[resourceType] = def
	return nil
}

// LoadSchemaFiles registers the .cue files under paths. Each file is the
// schema of the resource type named after it, e.g. vendor.cue.
func (sr *SchemaRegistry) LoadSchemaFiles(paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat schema path: %w", err)
		}

		files := []string{path}
		if info.IsDir() {
			files, err = filepath.Glob(filepath.Join(path, "*.cue"))
			if err != nil {
				return fmt.Errorf("failed to list schemas in %s: %w", path, err)
			}
		}

		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read schema file: %w", err)
			}
			resourceType := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			if err := sr.RegisterSchema(resourceType, string(data)); err != nil {
				return err
			}
			sr.logger.Debug().Str("resource_type", resourceType).Str("path", file).Msg("Schema loaded")
		}
	}
	return nil
}

// GetSchema retrieves the schema of a resource type.
func (sr *SchemaRegistry) GetSchema(resourceType string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[resourceType]
	return val, ok
}

// ListSchemas returns the resource types with a schema, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema validates data against the schema of resourceType.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, resourceType string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[resourceType]
	if !ok {
		return fmt.Errorf("schema %s not found", resourceType)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{ResourceType: resourceType, Details: details(err)}
	}
	return nil
}

// Validate implements engine.Validator. Types without a schema pass.
func (sr *SchemaRegistry) Validate(ctx context.Context, _ engine.Scope, resourceType string, attrs map[string]interface{}) error {
	if _, ok := sr.GetSchema(resourceType); !ok {
		return nil
	}
	return sr.ValidateAgainstSchema(ctx, resourceType, attrs)
}

// SchemaError lists every constraint a resource violates.
type SchemaError struct {
	ResourceType string
	Details      []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s does not match its schema: %s", e.ResourceType, strings.Join(e.Details, "; "))
}

func details(err error) []string {
	errs := cueerrors.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		out = append(out, msg)
	}
	sort.Strings(out)
	return out
}

const schemaPrelude = `
#ID:    string & !=""
#Email: string & =~"^[^@\\s]+@[^@\\s]+$"
#Date:  string & =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}$"
`

// Built-in schemas check shape and types; business rules live in the Rego
// policies.
var builtinSchemas = map[string]string{
	"control": `
#Schema: {
	control_id:   #ID
	title?:       string & !=""
	description?: string
	owner?:       #Email
	framework?:   #ID
	tags?: [...string]
	status?:    "draft" | "approved" | "published" | "deprecated"
	frequency?: "monthly" | "quarterly" | "annually"
	...
}
`,
	"framework": `
#Schema: {
	framework_id: #ID
	name?:        string & !=""
	version?:     string | number
	description?: string
	status?:      "draft" | "active" | "retired"
	...
}
`,
	"policy": `
#Schema: {
	policy_id:    #ID
	title?:       string & !=""
	owner?:       #Email
	review_date?: #Date
	controls?: [...#ID]
	status?: "draft" | "approved" | "published" | "archived"
	...
}
`,
	"risk": `
#Schema: {
	risk_id:     #ID
	title?:      string & !=""
	owner?:      #Email
	score?:      number
	likelihood?: "low" | "medium" | "high"
	impact?:     "low" | "medium" | "high"
	status?:     "open" | "mitigated" | "accepted" | "closed"
	...
}
`,
	"vendor": `
#Schema: {
	vendor_id: #ID
	name?:     string & !=""
	contact?:  #Email
	website?:  string & =~"^https?://"
	tier?:     "high" | "medium" | "low"
	status?:   "active" | "onboarding" | "offboarded"
	...
}
`,
}
