package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// RouteConfig is one configured route, in priority order.
type RouteConfig struct {
	// Backend is the registered backend name.
	Backend string `yaml:"backend" validate:"required"`

	// Host is the target host name.
	Host string `yaml:"host" validate:"required"`

	// Match is an optional Starlark predicate narrowing the route.
	Match string `yaml:"match"`
}

// Route is a resolved routing decision.
type Route struct {
	Backend Backend
	Host    string
}

type compiledRoute struct {
	backend Backend
	host    string
	match   *Predicate
	deflt   *Predicate
}

// Router selects backends and hosts for resources. Every predicate is
// compiled when the router is built.
type Router struct {
	routes   []compiledRoute
	multiple map[string]bool
}

// NewRouter compiles routes against the registry. multiHost lists backends
// that apply on every matching host rather than only the first.
func NewRouter(registry *Registry, routes []RouteConfig, multiHost []string) (*Router, error) {
	r := &Router{multiple: make(map[string]bool)}
	for _, name := range multiHost {
		if _, err := registry.Get(name); err != nil {
			return nil, err
		}
		r.multiple[name] = true
	}

	defaults := make(map[string]*Predicate)
	for i, rc := range routes {
		b, err := registry.Get(rc.Backend)
		if err != nil {
			return nil, err
		}
		if rc.Host == "" {
			return nil, NewConfigurationError(fmt.Sprintf("route %d for %s has no host", i, rc.Backend), nil).
				WithCode(ErrCodeInvalidRoute)
		}

		deflt, ok := defaults[b.Name()]
		if !ok {
			deflt, err = CompilePredicate(b.Name(), b.Kind(), b.Match())
			if err != nil {
				return nil, err
			}
			defaults[b.Name()] = deflt
		}

		match, err := CompilePredicate(fmt.Sprintf("routes[%d]", i), b.Kind(), rc.Match)
		if err != nil {
			return nil, err
		}

		r.routes = append(r.routes, compiledRoute{backend: b, host: rc.Host, match: match, deflt: deflt})
	}
	return r, nil
}

// Match returns the routes applying to res in configuration order. A
// predicate that fails to evaluate counts as no match.
func (r *Router) Match(res Resource) []Route {
	attrs := res.Attributes()
	seen := make(map[string]bool)
	var out []Route

	for _, cr := range r.routes {
		if cr.backend.Kind() != res.Kind() {
			continue
		}
		name := cr.backend.Name()
		if seen[name] && !r.multiple[name] {
			continue
		}
		if seen[name+"@"+cr.host] {
			continue
		}
		if !r.eval(cr.deflt, res, attrs) || !r.eval(cr.match, res, attrs) {
			continue
		}
		seen[name] = true
		seen[name+"@"+cr.host] = true
		out = append(out, Route{Backend: cr.backend, Host: cr.host})
	}
	return out
}

func (r *Router) eval(p *Predicate, res Resource, attrs map[string]any) bool {
	ok, err := p.Match(attrs)
	if err != nil {
		log.Warn().
			Err(err).
			Str("resource", res.Key()).
			Str("predicate", p.Source()).
			Msg("Route predicate failed, treating as no match")
		return false
	}
	return ok
}
