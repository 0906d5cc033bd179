package backends

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// ListSuffixes are the Mailman addresses kept for every list.
var ListSuffixes = []string{
	"", "-admin", "-bounces", "-confirm", "-join", "-leave",
	"-owner", "-request", "-subscribe", "-unsubscribe",
}

// Mailman creates lists and maintains their virtual aliases.
type Mailman struct {
	base
	settings     config.ListsSettings
	coordination config.CoordinationSettings
}

// NewMailman creates the mailman backend.
func NewMailman(s *config.Settings) *Mailman {
	return &Mailman{
		base:         base{name: "mailman", kind: resources.KindList},
		settings:     s.Lists,
		coordination: s.Coordination,
	}
}

func (m *Mailman) BuildContext(r engine.Resource) (engine.Context, error) {
	list, ok := r.(*resources.MailList)
	if !ok {
		return nil, typeError(m.name, r)
	}
	domain := list.AddressDomain
	if domain == "" {
		domain = m.settings.DefaultDomain
	}

	// Lists on the default domain are served by Mailman's own aliases.
	var aliases []string
	if domain != m.settings.DefaultDomain {
		for _, suffix := range ListSuffixes {
			aliases = append(aliases, fmt.Sprintf("%s%s@%s\t%s%s", list.Address(), suffix, domain, list.Name, suffix))
		}
		if list.Address() != list.Name {
			for _, suffix := range ListSuffixes {
				aliases = append(aliases, fmt.Sprintf("%s%s@%s\t%s%s", list.Name, suffix, domain, list.Name, suffix))
			}
		}
	}

	targets := make([]string, len(ListSuffixes))
	for i, suffix := range ListSuffixes {
		targets[i] = list.Name + suffix
	}

	return engine.Context{
		"name":           list.Name,
		"address_name":   list.Address(),
		"address_domain": domain,
		"admin_email":    list.AdminEmail,
		"password":       list.Password,
		"active":         list.Active,
		"aliases":        aliases,
		"alias_targets":  targets,
		"list_dir":       path.Join(m.settings.MailmanRoot, "lists", list.Name),
		"archive_dir":    path.Join(m.settings.MailmanRoot, "archives", "private", list.Name),
		"virtual_alias":  m.settings.VirtualAlias,
	}, nil
}

func (m *Mailman) bin(name string) string {
	return path.Join(m.settings.BinDir, name)
}

func (m *Mailman) flag(b *engine.Batch) string {
	return b.Flag(m.name, "postfix")
}

func (m *Mailman) Prepare(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServicePostfix, b, m.coordination).PrepareStatement(m.name, m.flag(b))
	if err != nil {
		return err
	}
	s.Append(stmt)
	return nil
}

// Save creates the list when missing, then updates aliases, settings,
// password and archive permissions.
func (m *Mailman) Save(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := m.BuildContext(r)
	if err != nil {
		return err
	}
	q := engine.ShellQuote

	s.Appendf("if [ ! -d %s ]; then\n    %s --quiet --emailhost=%s --urlhost=%s %s %s %s\nfi",
		q(ctx.String("list_dir")), q(m.bin("newlist")),
		q(ctx.String("address_domain")), q(ctx.String("address_domain")),
		q(ctx.String("name")), q(ctx.String("admin_email")), newlistPassword(ctx.String("password")))

	m.writeAliases(s, ctx, b)

	s.Appendf("__hp_cfg=\"$(mktemp)\"\n"+
		"printf '%%s\\n' 'require_explicit_destination = 0' %s > \"$__hp_cfg\"\n"+
		"%s -i \"$__hp_cfg\" %s\n"+
		"rm -f \"$__hp_cfg\"",
		q(fmt.Sprintf("host_name = '%s'", ctx.String("address_domain"))),
		q(m.bin("config_list")), q(ctx.String("name")))

	if pw := ctx.String("password"); pw != "" {
		s.Appendf("%s -q -l %s -p %s", q(m.bin("change_pw")), q(ctx.String("name")), q(pw))
	}

	mode := "000"
	if ctx.Bool("active") {
		mode = "775"
	}
	s.Appendf("if [ -d %s ]; then\n    chmod %s %s\nfi", q(ctx.String("archive_dir")), mode, q(ctx.String("archive_dir")))
	return nil
}

// Delete drops the aliases and removes the list with its archives.
func (m *Mailman) Delete(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := m.BuildContext(r)
	if err != nil {
		return err
	}
	ctx["aliases"] = []string(nil)
	m.writeAliases(s, ctx, b)
	s.AppendTolerant(fmt.Sprintf("%s -a %s", engine.ShellQuote(m.bin("rmlist")), engine.ShellQuote(ctx.String("name"))), 1)
	return nil
}

// writeAliases replaces the alias lines pointing at the list with the
// desired ones, touching the postfix flag when the file changed.
func (m *Mailman) writeAliases(s *engine.Script, ctx engine.Context, b *engine.Batch) {
	q := engine.ShellQuote
	file := ctx.String("virtual_alias")
	targets, _ := ctx["alias_targets"].([]string)
	aliases, _ := ctx["aliases"].([]string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "mkdir -p %s\ntouch %s\n", q(path.Dir(file)), q(file))
	fmt.Fprintf(&sb, "__hp_new=\"$(mktemp %s)\"\n", q(file+".hp.XXXXXX"))
	fmt.Fprintf(&sb, "awk -F '\\t' -v t=%s 'BEGIN { n = split(t, a, \" \"); for (i = 1; i <= n; i++) k[a[i]] = 1 } !($2 in k)' %s > \"$__hp_new\"\n",
		q(strings.Join(targets, " ")), q(file))
	if len(aliases) > 0 {
		fmt.Fprintf(&sb, "cat >> \"$__hp_new\" <<'%s'\n%s\n%s\n", eof, strings.Join(aliases, "\n"), eof)
	}
	fmt.Fprintf(&sb, "if ! cmp -s \"$__hp_new\" %s; then\n", q(file))
	fmt.Fprintf(&sb, "    chmod 644 \"$__hp_new\"\n    mv \"$__hp_new\" %s\n    touch %s\n", q(file), q(m.flag(b)))
	sb.WriteString("else\n    rm -f \"$__hp_new\"\nfi")
	s.Append(sb.String())
}

// Commit rebuilds the alias map when it changed and takes part in the
// postfix service.
func (m *Mailman) Commit(_ context.Context, b *engine.Batch, s *engine.Script) error {
	onFlag(s, m.flag(b), m.settings.PostMap+" "+engine.ShellQuote(m.settings.VirtualAlias))
	stmt, err := shared(ServicePostfix, b, m.coordination).CommitStatement(m.name, m.flag(b), m.settings.Reload)
	if err != nil {
		return err
	}
	s.AppendFinally(stmt)
	return nil
}

// newlistPassword returns the quoted password argument of newlist. Lists
// without one get a random password generated on the host.
func newlistPassword(pw string) string {
	if pw != "" {
		return engine.ShellQuote(pw)
	}
	return `"$(head -c 18 /dev/urandom | base64)"`
}

// MailmanVirtualDomain keeps the custom list domains known to postfix.
type MailmanVirtualDomain struct {
	base
	settings     config.ListsSettings
	coordination config.CoordinationSettings
}

// NewMailmanVirtualDomain creates the mailman-virtualdomain backend.
func NewMailmanVirtualDomain(s *config.Settings) *MailmanVirtualDomain {
	return &MailmanVirtualDomain{
		base: base{
			name:  "mailman-virtualdomain",
			kind:  resources.KindList,
			match: `list.address_domain != ""`,
		},
		settings:     s.Lists,
		coordination: s.Coordination,
	}
}

func (v *MailmanVirtualDomain) BuildContext(r engine.Resource) (engine.Context, error) {
	list, ok := r.(*resources.MailList)
	if !ok {
		return nil, typeError(v.name, r)
	}
	return engine.Context{
		"address_domain":  list.AddressDomain,
		"virtual_domains": v.settings.VirtualAliasDomain,
	}, nil
}

func (v *MailmanVirtualDomain) flag(b *engine.Batch) string {
	return b.Flag(v.name, "postfix")
}

func (v *MailmanVirtualDomain) Prepare(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServicePostfix, b, v.coordination).PrepareStatement(v.name, v.flag(b))
	if err != nil {
		return err
	}
	s.Append(stmt)
	return nil
}

// Save adds the domain when it is not listed yet.
func (v *MailmanVirtualDomain) Save(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := v.BuildContext(r)
	if err != nil {
		return err
	}
	domain := ctx.String("address_domain")
	if domain == "" || domain == v.settings.DefaultDomain {
		return nil
	}
	q := engine.ShellQuote
	file := ctx.String("virtual_domains")
	s.Appendf("mkdir -p %s\ntouch %s\nif ! grep -qxF %s %s; then\n    printf '%%s\\n' %s >> %s\n    touch %s\nfi",
		q(path.Dir(file)), q(file), q(domain), q(file), q(domain), q(file), q(v.flag(b)))
	return nil
}

// Delete removes the domain unless another list still uses it.
func (v *MailmanVirtualDomain) Delete(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := v.BuildContext(r)
	if err != nil {
		return err
	}
	domain := ctx.String("address_domain")
	if domain == "" || domain == v.settings.DefaultDomain || v.domainInUse(b, r, domain) {
		return nil
	}
	q := engine.ShellQuote
	file := ctx.String("virtual_domains")
	s.Appendf("if grep -qxF %s %s 2>/dev/null; then\n"+
		"    __hp_new=\"$(mktemp %s)\"\n"+
		"    grep -vxF %s %s > \"$__hp_new\" || true\n"+
		"    chmod 644 \"$__hp_new\"\n"+
		"    mv \"$__hp_new\" %s\n"+
		"    touch %s\n"+
		"fi",
		q(domain), q(file), q(file+".hp.XXXXXX"), q(domain), q(file), q(file), q(v.flag(b)))
	return nil
}

func (v *MailmanVirtualDomain) domainInUse(b *engine.Batch, r engine.Resource, domain string) bool {
	if b.Inventory == nil {
		return false
	}
	for _, other := range b.Inventory.List(resources.KindList) {
		if other.Key() == r.Key() {
			continue
		}
		if list, ok := other.(*resources.MailList); ok && list.AddressDomain == domain {
			return true
		}
	}
	return false
}

func (v *MailmanVirtualDomain) Commit(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServicePostfix, b, v.coordination).CommitStatement(v.name, v.flag(b), v.settings.Reload)
	if err != nil {
		return err
	}
	s.AppendFinally(stmt)
	return nil
}

var (
	_ engine.Backend = (*Mailman)(nil)
	_ engine.Backend = (*MailmanVirtualDomain)(nil)
)
