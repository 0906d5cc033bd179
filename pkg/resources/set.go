package resources

import (
	"fmt"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// Set is the desired state: an ordered, validated collection of resources
// keyed by Key. It implements engine.Inventory.
type Set struct {
	items []engine.Resource
	index map[string]int
}

var _ engine.Inventory = (*Set)(nil)

// NewSet validates items and builds a set. Keys must be unique.
func NewSet(items ...engine.Resource) (*Set, error) {
	s := &Set{index: make(map[string]int)}
	for _, r := range items {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add validates and appends r.
func (s *Set) Add(r engine.Resource) error {
	if err := Validate(r); err != nil {
		return err
	}
	if _, exists := s.index[r.Key()]; exists {
		return engine.NewValidationError(fmt.Sprintf("duplicate resource %s", r.Key()), nil).WithResource(r.Key())
	}
	s.index[r.Key()] = len(s.items)
	s.items = append(s.items, r)
	switch v := r.(type) {
	case *WebApp:
		v.Mounted = s.IsMounted(v)
	case *Website:
		s.resolveMounts()
	}
	return nil
}

// Get returns the resource with the given key.
func (s *Set) Get(key string) (engine.Resource, bool) {
	i, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

// Len returns the number of resources.
func (s *Set) Len() int {
	return len(s.items)
}

// All returns every resource in insertion order.
func (s *Set) All() []engine.Resource {
	return append([]engine.Resource(nil), s.items...)
}

// List implements engine.Inventory.
func (s *Set) List(kind string) []engine.Resource {
	var out []engine.Resource
	for _, r := range s.items {
		if r.Kind() == kind {
			out = append(out, r)
		}
	}
	return out
}

// Operations returns a save operation per resource, in insertion order.
func (s *Set) Operations() []engine.Operation {
	ops := make([]engine.Operation, 0, len(s.items))
	for _, r := range s.items {
		ops = append(ops, engine.Operation{Action: engine.ActionSave, Resource: r})
	}
	return ops
}

// Deletions returns delete operations for applied resources that are no
// longer part of the set.
func (s *Set) Deletions(applied []engine.Resource) []engine.Operation {
	var ops []engine.Operation
	for _, r := range applied {
		if _, ok := s.index[r.Key()]; !ok {
			ops = append(ops, engine.Operation{Action: engine.ActionDelete, Resource: r, State: engine.ResourceStateSaved})
		}
	}
	return ops
}

// Changes returns saves for every resource of the set followed by
// deletions of applied resources no longer in it. Resources found in
// applied start from SAVED.
func (s *Set) Changes(applied []engine.Resource) []engine.Operation {
	known := make(map[string]bool, len(applied))
	for _, r := range applied {
		known[r.Key()] = true
	}
	ops := s.Operations()
	for i := range ops {
		if known[ops[i].Resource.Key()] {
			ops[i].State = engine.ResourceStateSaved
		}
	}
	return append(ops, s.Deletions(applied)...)
}

// IsMounted reports whether a website of the same account mounts app.
func (s *Set) IsMounted(app *WebApp) bool {
	for _, r := range s.items {
		site, ok := r.(*Website)
		if !ok || site.Account != app.Account {
			continue
		}
		for _, m := range site.Mounts {
			if m.WebApp == app.Name {
				return true
			}
		}
	}
	return false
}

func (s *Set) resolveMounts() {
	for _, r := range s.items {
		if app, ok := r.(*WebApp); ok {
			app.Mounted = s.IsMounted(app)
		}
	}
}
