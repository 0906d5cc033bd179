package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/hostpanel/hostpanel/pkg/resources"
)

//go:embed schema/resources.cue
var resourceSchema string

// schemaDefs maps resource kinds to their schema definition.
var schemaDefs = map[string]string{
	resources.KindWebApp:   "#WebApp",
	resources.KindWebsite:  "#Website",
	resources.KindList:     "#MailList",
	resources.KindDatabase: "#Database",
	resources.KindSaaS:     "#SaaS",
}

// SchemaRegistry holds the compiled resource schema.
type SchemaRegistry struct {
	ctx    *cue.Context
	schema cue.Value
	mu     sync.RWMutex
	defs   map[string]cue.Value
}

// NewSchemaRegistry compiles the embedded resource schema.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	schema := ctx.CompileString(resourceSchema, cue.Filename("schema/resources.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile resource schema: %w", err)
	}
	return &SchemaRegistry{ctx: ctx, schema: schema, defs: make(map[string]cue.Value)}, nil
}

// Definition returns the schema definition for kind.
func (sr *SchemaRegistry) Definition(kind string) (cue.Value, bool) {
	name, ok := schemaDefs[kind]
	if !ok {
		return cue.Value{}, false
	}

	sr.mu.RLock()
	def, cached := sr.defs[kind]
	sr.mu.RUnlock()
	if cached {
		return def, true
	}

	def = sr.schema.LookupPath(cue.ParsePath(name))
	if !def.Exists() {
		return cue.Value{}, false
	}

	sr.mu.Lock()
	sr.defs[kind] = def
	sr.mu.Unlock()
	return def, true
}

// Kinds returns the kinds that have a schema.
func (sr *SchemaRegistry) Kinds() []string {
	return append([]string(nil), resources.Kinds...)
}
