package backends

import (
	"fmt"
	"path"
	"strings"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
)

// Banner heads every generated file.
const Banner = "Generated by hostpanel. Local changes will be overwritten."

// heredoc delimiter for file contents written by scripts.
const eof = "HOSTPANEL_EOF"

// Shared service names.
const (
	ServiceApache  = "apache2"
	ServicePostfix = "postfix"
)

// NewRegistry returns a registry holding every backend enabled in s.
func NewRegistry(s *config.Settings) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	php := NewPHP(s)

	available := map[string]engine.Backend{
		php.Name():              php,
		"apache2":               NewApache(s, php),
		"mailman":               NewMailman(s),
		"mailman-virtualdomain": NewMailmanVirtualDomain(s),
		"mysql":                 NewMySQL(s),
		"saas-webhook":          NewSaaSWebhook(s.SaaS),
	}

	for _, name := range s.Backends.Enabled {
		b, ok := available[name]
		if !ok {
			return nil, engine.NewConfigurationError(fmt.Sprintf("unknown backend %s", name), nil).
				WithCode(engine.ErrCodeUnknownBackend)
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// base holds the identity every backend shares.
type base struct {
	name  string
	kind  string
	match string
}

func (b base) Name() string  { return b.name }
func (b base) Kind() string  { return b.kind }
func (b base) Match() string { return b.match }

// shared returns the coordination service for the batch host.
func shared(name string, b *engine.Batch, c config.CoordinationSettings) *engine.SharedService {
	svc := engine.NewSharedService(name, b.StateDir, b.ID)
	svc.Retries = c.Retries
	if c.Backoff > 0 {
		svc.Backoff = c.Backoff
	}
	return svc
}

// writeFile emits a statement replacing path with content only when it
// differs from what is on disk. flags are touched when the file changed.
func writeFile(s *engine.Script, file, content, mode string, flags ...string) {
	q := engine.ShellQuote(file)
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s\n", engine.ShellQuote(path.Dir(file)))
	fmt.Fprintf(&b, "__hp_new=\"$(mktemp %s)\"\n", engine.ShellQuote(file+".hp.XXXXXX"))
	fmt.Fprintf(&b, "cat > \"$__hp_new\" <<'%s'\n%s\n%s\n", eof, strings.TrimRight(content, "\n"), eof)
	fmt.Fprintf(&b, "if ! cmp -s \"$__hp_new\" %s; then\n", q)
	fmt.Fprintf(&b, "    chmod %s \"$__hp_new\"\n", mode)
	fmt.Fprintf(&b, "    mv \"$__hp_new\" %s\n", q)
	for _, f := range flags {
		fmt.Fprintf(&b, "    touch %s\n", engine.ShellQuote(f))
	}
	b.WriteString("else\n    rm -f \"$__hp_new\"\nfi")
	s.Append(b.String())
}

// removeFile emits a statement deleting path if present, touching flags
// when it did.
func removeFile(s *engine.Script, file string, flags ...string) {
	q := engine.ShellQuote(file)
	var b strings.Builder
	fmt.Fprintf(&b, "if [ -e %s ]; then\n    rm -f %s\n", q, q)
	for _, f := range flags {
		fmt.Fprintf(&b, "    touch %s\n", engine.ShellQuote(f))
	}
	b.WriteString("fi")
	s.Append(b.String())
}

// onFlag emits a statement running action when flag exists. The flag is
// left in place for the shared commit.
func onFlag(s *engine.Script, flag, action string) {
	s.Appendf("if [ -e %s ]; then\n    %s\nfi", engine.ShellQuote(flag), action)
}

func typeError(backend string, r engine.Resource) error {
	return engine.NewConfigurationError(
		fmt.Sprintf("backend %s cannot handle resource kind %s", backend, r.Kind()), nil).
		WithBackend(backend).WithResource(r.Key())
}
