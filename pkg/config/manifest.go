package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// ManifestError is a problem found in a resource manifest.
type ManifestError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ManifestError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		loc += " " + e.Path
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// ManifestErrors collects every problem of a load.
type ManifestErrors []ManifestError

func (es ManifestErrors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// ManifestLoader turns CUE manifests into a validated resource set.
type ManifestLoader struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewManifestLoader creates a loader with the embedded schema.
func NewManifestLoader() (*ManifestLoader, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &ManifestLoader{ctx: ctx, schemas: schemas}, nil
}

// LoadManifests is a convenience wrapper around ManifestLoader.Load.
func LoadManifests(sources ...string) (*resources.Set, error) {
	l, err := NewManifestLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(sources...)
}

// Load reads files and directories in order. Directories contribute their
// *.cue files sorted by name. Resources keep manifest order.
func (l *ManifestLoader) Load(sources ...string) (*resources.Set, error) {
	files, err := expandSources(sources)
	if err != nil {
		return nil, err
	}

	set, _ := resources.NewSet()
	var problems ManifestErrors
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", file, err)
		}
		problems = append(problems, l.parse(file, string(content), set)...)
	}

	if len(problems) > 0 {
		return nil, engine.NewValidationError(fmt.Sprintf("%d manifest error(s)", len(problems)), problems)
	}
	return set, nil
}

// LoadString parses inline manifest content.
func (l *ManifestLoader) LoadString(name, content string) (*resources.Set, error) {
	set, _ := resources.NewSet()
	if problems := l.parse(name, content, set); len(problems) > 0 {
		return nil, engine.NewValidationError(fmt.Sprintf("%d manifest error(s)", len(problems)), problems)
	}
	return set, nil
}

func (l *ManifestLoader) parse(file, content string, set *resources.Set) ManifestErrors {
	val := l.ctx.CompileString(content, cue.Filename(file))
	if err := val.Err(); err != nil {
		return convertCUEErrors(file, err)
	}

	list := val.LookupPath(cue.ParsePath("resources"))
	if !list.Exists() {
		return nil
	}
	iter, err := list.List()
	if err != nil {
		return ManifestErrors{{File: file, Path: "resources", Message: "resources must be a list"}}
	}

	var problems ManifestErrors
	for i := 0; iter.Next(); i++ {
		path := fmt.Sprintf("resources[%d]", i)
		r, errs := l.decode(file, path, iter.Value())
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		if err := set.Add(r); err != nil {
			problems = append(problems, ManifestError{File: file, Path: path, Message: err.Error()})
		}
	}
	return problems
}

func (l *ManifestLoader) decode(file, path string, item cue.Value) (engine.Resource, ManifestErrors) {
	kind, err := item.LookupPath(cue.ParsePath("kind")).String()
	if err != nil {
		return nil, ManifestErrors{{File: file, Path: path, Message: "kind is required"}}
	}
	def, ok := l.schemas.Definition(kind)
	if !ok {
		return nil, ManifestErrors{{File: file, Path: path, Message: fmt.Sprintf("unknown kind %q", kind)}}
	}

	unified := def.Unify(item)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(file, err)
		for i := range errs {
			errs[i].Path = path
		}
		return nil, errs
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, ManifestErrors{{File: file, Path: path, Message: err.Error()}}
	}
	r, err := resources.Decode(kind, data)
	if err != nil {
		return nil, ManifestErrors{{File: file, Path: path, Message: err.Error()}}
	}
	return r, nil
}

func convertCUEErrors(file string, err error) ManifestErrors {
	var out ManifestErrors
	for _, e := range errors.Errors(err) {
		me := ManifestError{File: file, Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			me.File = pos[0].Filename()
			me.Line = pos[0].Line()
			me.Column = pos[0].Column()
		}
		out = append(out, me)
	}
	return out
}

func expandSources(sources []string) ([]string, error) {
	if len(sources) == 0 {
		return nil, engine.NewConfigurationError("no manifest sources provided", nil)
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat manifest %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(source, "*.cue"))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", source, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}
