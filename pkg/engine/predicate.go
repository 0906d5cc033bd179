package engine

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// maxPredicateSteps bounds a single predicate evaluation.
const maxPredicateSteps = 100000

// Predicate is a compiled Starlark route expression such as
//
//	webapp.type.endswith("php") and webapp.options.processes > 1
//
// The resource attributes are bound to the kind name and to "resource".
type Predicate struct {
	name   string
	kind   string
	source string
}

// CompilePredicate parses and resolves expr for resources of kind. Syntax
// errors and references to unknown names are configuration errors; an empty
// expression always matches.
func CompilePredicate(name, kind, expr string) (*Predicate, error) {
	p := &Predicate{name: name, kind: kind, source: strings.TrimSpace(expr)}
	if p.source == "" {
		return p, nil
	}

	parsed, err := syntax.ParseExpr(name, p.source, 0)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid predicate %s", name), err).
			WithCode(ErrCodeInvalidRoute)
	}

	isPredeclared := func(n string) bool { return n == kind || n == "resource" }
	if _, err := resolve.Expr(parsed, isPredeclared, starlark.Universe.Has); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid predicate %s", name), err).
			WithCode(ErrCodeInvalidRoute)
	}

	return p, nil
}

// Source returns the expression text.
func (p *Predicate) Source() string {
	return p.source
}

// Match evaluates the predicate over attrs. The result is the truth value
// of the expression.
func (p *Predicate) Match(attrs map[string]any) (bool, error) {
	if p.source == "" {
		return true, nil
	}

	thread := &starlark.Thread{
		Name:  "route:" + p.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxPredicateSteps)

	view := newAttrView(p.kind, attrs)
	env := starlark.StringDict{
		p.kind:     view,
		"resource": view,
	}

	v, err := starlark.Eval(thread, p.name, p.source, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate predicate %s: %w", p.name, err)
	}
	return bool(v.Truth()), nil
}

// attrView exposes a map as dotted attributes. Unknown attributes read as
// None so that predicates stay total over optional options.
type attrView struct {
	typ    string
	fields map[string]starlark.Value
}

var _ starlark.HasAttrs = (*attrView)(nil)

func newAttrView(typ string, m map[string]any) *attrView {
	v := &attrView{typ: typ, fields: make(map[string]starlark.Value, len(m))}
	for k, val := range m {
		v.fields[k] = toStarlarkValue(val)
	}
	return v
}

func (v *attrView) String() string {
	names := v.AttrNames()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+" = "+v.fields[n].String())
	}
	return v.typ + "(" + strings.Join(parts, ", ") + ")"
}

func (v *attrView) Type() string         { return v.typ }
func (v *attrView) Freeze()              {}
func (v *attrView) Truth() starlark.Bool { return starlark.True }

func (v *attrView) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", v.typ)
}

func (v *attrView) Attr(name string) (starlark.Value, error) {
	if val, ok := v.fields[name]; ok {
		return val, nil
	}
	return starlark.None, nil
}

func (v *attrView) AttrNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// toStarlarkValue converts resource attribute values. Unsupported types
// are rendered as strings.
func toStarlarkValue(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.Tuple(items)
	case []any:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			items[i] = toStarlarkValue(item)
		}
		return starlark.Tuple(items)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return newAttrView("dict", m)
	case map[string]any:
		return newAttrView("dict", val)
	default:
		return starlark.String(fmt.Sprint(val))
	}
}
