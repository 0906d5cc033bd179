package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
)

// DefaultStateDir is the host directory holding batch flags and
// coordination markers.
const DefaultStateDir = "/dev/shm"

// Backend translates one resource kind's desired state into host-level
// statements.
type Backend interface {
	// Name is the unique registry identifier.
	Name() string

	// Kind is the resource kind the backend handles.
	Kind() string

	// Match is the backend's own route predicate, a Starlark expression
	// over the resource attributes. Empty matches every resource of Kind.
	Match() string

	// BuildContext derives the context of r. It must be pure.
	BuildContext(r Resource) (Context, error)

	// Prepare runs once per batch and host before any Save or Delete.
	Prepare(ctx context.Context, b *Batch, s *Script) error

	// Save emits statements that create or update r. Re-running Save with
	// unchanged state must not change the host.
	Save(ctx context.Context, b *Batch, r Resource, s *Script) error

	// Delete emits statements removing every trace of r.
	Delete(ctx context.Context, b *Batch, r Resource, s *Script) error

	// Commit runs once per batch and host after every Save and Delete.
	Commit(ctx context.Context, b *Batch, s *Script) error
}

// Batch is the per-host view of one orchestration run shared by the
// lifecycle calls of a backend.
type Batch struct {
	// ID identifies the batch.
	ID string

	// Host is the target host name.
	Host string

	// StateDir holds flags and markers on the host.
	StateDir string

	// Inventory is the desired set of resources.
	Inventory Inventory
}

// Flag returns the host path of a batch-scoped change flag. Save scripts
// touch it when they changed something; commit scripts read and clear it.
func (b *Batch) Flag(backend, name string) string {
	dir := b.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	return path.Join(dir, fmt.Sprintf("hostpanel.%s.%s.%s", b.ID, backend, name))
}

// Siblings lists resources of the same kind and account as r, excluding r,
// that satisfy keep.
func (b *Batch) Siblings(r Resource, keep func(Resource) bool) []Resource {
	if b.Inventory == nil {
		return nil
	}
	var out []Resource
	for _, other := range b.Inventory.List(r.Kind()) {
		if other.Key() == r.Key() || other.AccountID() != r.AccountID() {
			continue
		}
		if keep == nil || keep(other) {
			out = append(out, other)
		}
	}
	return out
}

// Registry is the explicit set of available backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.Name() == "" {
		return NewConfigurationError("backend name is required", nil)
	}
	if _, exists := r.backends[b.Name()]; exists {
		return NewConfigurationError(fmt.Sprintf("backend %s already registered", b.Name()), nil)
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("backend %s is not registered", name), nil).
			WithCode(ErrCodeUnknownBackend)
	}
	return b, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForKind returns the backends handling kind, sorted by name.
func (r *Registry) ForKind(kind string) []Backend {
	var out []Backend
	for _, name := range r.Names() {
		b, _ := r.Get(name)
		if b.Kind() == kind {
			out = append(out, b)
		}
	}
	return out
}
