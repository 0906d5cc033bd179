package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Host is a managed server that backends target by name.
type Host struct {
	Name     string            `yaml:"name" validate:"required"`
	Address  string            `yaml:"address"`
	Port     int               `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User     string            `yaml:"user"`
	KeyPath  string            `yaml:"key_path"`
	Password string            `yaml:"password"`
	Local    bool              `yaml:"local"`
	StateDir string            `yaml:"state_dir"`
	Labels   map[string]string `yaml:"labels"`
}

// Dialer opens a shell to a remote host.
type Dialer func(ctx context.Context, host *Host) (Shell, error)

// ShellProvider hands out shells by host name.
type ShellProvider interface {
	Shell(ctx context.Context, host string) (Shell, error)
}

// HostRegistry holds the configured hosts and their open shells.
type HostRegistry struct {
	mu     sync.Mutex
	hosts  map[string]*Host
	shells map[string]Shell
	dial   Dialer
}

// NewHostRegistry creates a registry. dial is used for non-local hosts.
func NewHostRegistry(hosts []Host, dial Dialer) (*HostRegistry, error) {
	r := &HostRegistry{
		hosts:  make(map[string]*Host),
		shells: make(map[string]Shell),
		dial:   dial,
	}
	for i := range hosts {
		h := hosts[i]
		if h.Name == "" {
			return nil, NewConfigurationError(fmt.Sprintf("host %d has no name", i), nil)
		}
		if _, exists := r.hosts[h.Name]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("host %s defined twice", h.Name), nil)
		}
		if !h.Local && h.Address == "" {
			return nil, NewConfigurationError(fmt.Sprintf("host %s has no address", h.Name), nil)
		}
		r.hosts[h.Name] = &h
	}
	return r, nil
}

// Get returns the host named name.
func (r *HostRegistry) Get(name string) (*Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[name]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("unknown host %s", name), nil).WithCode(ErrCodeNotFound)
	}
	return h, nil
}

// List returns all hosts sorted by name.
func (r *HostRegistry) List() []*Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select returns hosts matching a "key=value,key2=value2" label selector.
// An empty selector or "all" matches every host.
func (r *HostRegistry) Select(selector string) []*Host {
	labels := parseSelector(selector)
	var out []*Host
	for _, h := range r.List() {
		if matchesLabels(h.Labels, labels) {
			out = append(out, h)
		}
	}
	return out
}

// Shell returns the shell for host, opening it on first use.
func (r *HostRegistry) Shell(ctx context.Context, name string) (Shell, error) {
	h, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sh, ok := r.shells[name]; ok {
		return sh, nil
	}

	var sh Shell
	if h.Local {
		sh = NewLocalShell()
	} else {
		if r.dial == nil {
			return nil, NewConfigurationError(fmt.Sprintf("no dialer for remote host %s", name), nil)
		}
		sh, err = r.dial(ctx, h)
		if err != nil {
			return nil, NewExecutionError(fmt.Sprintf("failed to connect to %s", name), err).
				WithCode(ErrCodeTransport).
				WithHost(name)
		}
	}
	r.shells[name] = sh
	return sh, nil
}

// Close closes every open shell that holds a connection.
func (r *HostRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, sh := range r.shells {
		if c, ok := sh.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close shell for %s: %w", name, err)
			}
		}
		delete(r.shells, name)
	}
	return firstErr
}

// parseSelector parses a label selector string into a map.
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	for _, pair := range strings.Split(selector, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	for key, value := range selectorLabels {
		if hostLabels[key] != value {
			return false
		}
	}
	return true
}
