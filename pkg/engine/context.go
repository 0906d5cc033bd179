package engine

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

// Context is the key-value mapping a backend derives from one resource at
// operation time. It is never persisted and is rebuilt every run.
type Context map[string]any

// String returns the value at key formatted as a string, or "".
func (c Context) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value at key as an int, or 0.
func (c Context) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Bool returns the value at key as a bool.
func (c Context) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Clone returns a shallow copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether two contexts are structurally equal.
func (c Context) Equal(other Context) bool {
	return reflect.DeepEqual(c, other)
}

// Keys returns the sorted keys.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var templateFuncs = template.FuncMap{
	"quote": ShellQuote,
	"join":  strings.Join,
}

// Render executes a text/template against the context. Missing keys fail
// instead of rendering "<no value>".
func Render(name, text string, ctx Context) (string, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", NewConfigurationError(fmt.Sprintf("invalid template %s", name), err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(ctx)); err != nil {
		return "", NewConfigurationError(fmt.Sprintf("failed to render %s", name), err)
	}
	return buf.String(), nil
}

// ShellQuote quotes s for safe use as a single shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
