package backends

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// PHP modes.
const (
	ModeFPM = "fpm"
	ModeCGI = "cgi"
)

// Directive is one php.ini setting.
type Directive struct {
	Name  string
	Value string
}

const fpmPoolTemplate = `; {{.banner}}
[{{.pool}}]
user = {{.user}}
group = {{.group}}

listen = {{.fpm_listen}}
listen.owner = {{.user}}
listen.group = {{.group}}

pm = ondemand
pm.max_requests = {{.max_requests}}
pm.max_children = {{.max_children}}
request_terminate_timeout = {{.request_timeout}}
{{range .php_ini_directives}}php_admin_value[{{.Name}}] = {{.Value}}
{{end}}`

const fcgidWrapperTemplate = `#!/bin/sh
# {{.banner}}
export PHPRC={{quote .cgi_rc_dir}}
export PHP_INI_SCAN_DIR={{quote .cgi_ini_scan_dir}}
export PHP_FCGI_MAX_REQUESTS={{.max_requests}}
exec {{.cgi_binary}}{{range .php_ini_directives}} -d {{quote (printf "%s=%s" .Name .Value)}}{{end}}
`

const fcgidCmdOptionsTemplate = `# {{.banner}}
FcgidCmdOptions {{.wrapper_path}}{{if .cmd_processes}} \
    MaxProcesses {{.cmd_processes}}{{end}}{{if .cmd_timeout}} \
    IOTimeout {{.cmd_timeout}}{{end}}
`

// cgiReloadTemplate makes running CGI processes of the account pick up a
// new wrapper. Every PHP version is signalled since the version may have
// changed.
const cgiReloadTemplate = `pkill -SIGHUP -U {{quote .user}} '^php[0-9.]+-cgi$' || true`

// PHP configures FPM pools and FCGID wrappers for PHP webapps.
type PHP struct {
	base
	settings     config.PHPSettings
	reload       string
	coordination config.CoordinationSettings
}

// NewPHP creates the php backend.
func NewPHP(s *config.Settings) *PHP {
	return &PHP{
		base:         base{name: "php", kind: resources.KindWebApp, match: `webapp.type.endswith("php")`},
		settings:     s.PHP,
		reload:       s.Apache.Reload,
		coordination: s.Coordination,
	}
}

// SplitVersion splits "7.4-fpm" into number and mode.
func SplitVersion(version string) (number, mode string, err error) {
	number, mode, ok := strings.Cut(version, "-")
	if !ok || number == "" {
		return "", "", engine.NewConfigurationError(fmt.Sprintf("invalid php version %q", version), nil)
	}
	if mode != ModeFPM && mode != ModeCGI {
		return "", "", engine.NewConfigurationError(
			fmt.Sprintf("php version %s has unknown mode %q", version, mode), nil)
	}
	return number, mode, nil
}

// IsPHP reports whether app runs on PHP. Types such as "wordpress-php"
// count as PHP too.
func IsPHP(app *resources.WebApp) bool {
	return strings.HasSuffix(app.Type, "php")
}

func (p *PHP) version(app *resources.WebApp) string {
	if app.PHPVersion != "" {
		return app.PHPVersion
	}
	return p.settings.DefaultVersion
}

// BuildContext derives the context of a webapp for its configured version
// from its own options.
func (p *PHP) BuildContext(r engine.Resource) (engine.Context, error) {
	app, ok := r.(*resources.WebApp)
	if !ok {
		return nil, typeError(p.name, r)
	}
	return p.versionContext(app, p.version(app), app.Options)
}

// poolOptions returns the options the pool of app is rendered from. A
// merged pool serves every PHP webapp of the account on the same version,
// so limits take the largest value among them and directives are united;
// a directive set differently keeps the value of the webapp whose name
// sorts first.
func (p *PHP) poolOptions(b *engine.Batch, app *resources.WebApp) resources.WebAppOptions {
	if !p.settings.Merge || b == nil {
		return app.Options
	}
	version := p.version(app)
	members := []*resources.WebApp{app}
	for _, sib := range b.Siblings(app, nil) {
		if other, ok := sib.(*resources.WebApp); ok && IsPHP(other) && p.version(other) == version {
			members = append(members, other)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	out := resources.WebAppOptions{Directives: map[string]string{}}
	for _, m := range members {
		out.Processes = max(out.Processes, m.Options.Processes)
		out.Timeout = max(out.Timeout, m.Options.Timeout)
		out.MaxRequests = max(out.MaxRequests, m.Options.MaxRequests)
		for k, v := range m.Options.Directives {
			if _, ok := out.Directives[k]; !ok {
				out.Directives[k] = v
			}
		}
	}
	return out
}

func (p *PHP) versionContext(app *resources.WebApp, version string, opts resources.WebAppOptions) (engine.Context, error) {
	number, mode, err := SplitVersion(version)
	if err != nil {
		return nil, err
	}

	pool := app.Account + "-" + app.Name
	if p.settings.Merge {
		pool = app.Account
	}

	ctx := engine.Context{
		"banner":             Banner,
		"app_name":           app.Name,
		"user":               app.Account,
		"group":              app.Account,
		"pool":               pool,
		"php_version":        version,
		"php_version_number": number,
		"php_mode":           mode,
		"is_mounted":         app.Mounted,
		"max_requests":       firstPositive(opts.MaxRequests, p.settings.MaxRequests),
		"max_children":       firstPositive(opts.Processes, p.settings.DefaultMaxChildren),
		"request_timeout":    firstPositive(opts.Timeout, p.settings.DefaultTimeout),
		"cmd_processes":      opts.Processes,
		"cmd_timeout":        opts.Timeout,
		"php_ini_directives": sortedDirectives(opts.Directives),
	}

	paths := []struct{ key, tmpl string }{
		{"app_path", p.settings.WebappDir},
		{"fpm_path", p.settings.FPMPoolPath},
		{"fpm_listen", p.settings.FPMListen},
		{"wrapper_path", p.settings.FCGIDWrapperPath},
		{"cmd_options_path", p.settings.FCGIDCmdOptions},
		{"cgi_binary", p.settings.CGIBinaryPath},
		{"cgi_rc_dir", p.settings.CGIRCDir},
		{"cgi_ini_scan_dir", p.settings.CGIIniScanDir},
	}
	for _, pt := range paths {
		v, err := engine.Render(pt.key, pt.tmpl, ctx)
		if err != nil {
			return nil, err
		}
		ctx[pt.key] = v
	}
	ctx["wrapper_dir"] = path.Dir(ctx.String("wrapper_path"))

	templates := map[string]string{
		"fpm_config":  fpmPoolTemplate,
		"wrapper":     fcgidWrapperTemplate,
		"cgi_reload":  cgiReloadTemplate,
		"cmd_options": fcgidCmdOptionsTemplate,
	}
	// FCGID only gets options the webapp asked for.
	if opts.Processes == 0 && opts.Timeout == 0 {
		delete(templates, "cmd_options")
		ctx["cmd_options"] = ""
	}
	for key, tmpl := range templates {
		v, err := engine.Render(key, tmpl, ctx)
		if err != nil {
			return nil, err
		}
		ctx[key] = v
	}
	return ctx, nil
}

func (p *PHP) apacheFlag(b *engine.Batch) string {
	return b.Flag(p.name, "apache")
}

func (p *PHP) wrapperFlag(b *engine.Batch) string {
	return b.Flag(p.name, "wrapper")
}

func (p *PHP) fpmFlag(b *engine.Batch, number string) string {
	return b.Flag(p.name, "fpm-"+number)
}

// Prepare announces php as a participant of the apache2 service.
func (p *PHP) Prepare(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServiceApache, b, p.coordination).PrepareStatement(p.name, p.apacheFlag(b))
	if err != nil {
		return err
	}
	s.Append(stmt)
	return nil
}

// Save creates the webapp directory, writes the pool or wrapper of the
// active version and removes the ones of every other configured version.
// With merged pools the pool is rendered from every PHP webapp of the
// account on that version.
func (p *PHP) Save(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	app, ok := r.(*resources.WebApp)
	if !ok {
		return typeError(p.name, r)
	}
	ctx, err := p.versionContext(app, p.version(app), p.poolOptions(b, app))
	if err != nil {
		return err
	}

	q := engine.ShellQuote
	user, group := q(ctx.String("user")), q(ctx.String("group"))
	dir := q(ctx.String("app_path"))
	s.Appendf("if [ ! -d %s ]; then\n    mkdir -p %s\n    if id -u %s >/dev/null 2>&1; then chown %s:%s %s; fi\nfi",
		dir, dir, user, user, group, dir)

	switch ctx.String("php_mode") {
	case ModeFPM:
		writeFile(s, ctx.String("fpm_path"), ctx.String("fpm_config"), "644",
			p.fpmFlag(b, ctx.String("php_version_number")))
	case ModeCGI:
		var flags []string
		if app.Mounted {
			flags = append(flags, p.wrapperFlag(b))
		}
		writeFile(s, ctx.String("wrapper_path"), ctx.String("wrapper"), "755", flags...)
		if app.Mounted {
			flag := q(p.wrapperFlag(b))
			s.Appendf("if [ -e %s ]; then\n    rm -f %s\n    %s\nfi", flag, flag, ctx.String("cgi_reload"))
		}
		s.Appendf("chown -R %s:%s %s", user, group, q(ctx.String("wrapper_dir")))

		flags = nil
		if app.Mounted {
			flags = append(flags, p.apacheFlag(b))
		}
		if opts := ctx.String("cmd_options"); opts != "" {
			writeFile(s, ctx.String("cmd_options_path"), opts, "644", flags...)
		} else {
			removeFile(s, ctx.String("cmd_options_path"), flags...)
		}
	}

	return p.cleanup(b, app, ctx.String("php_version"), s)
}

// Delete removes the pools and wrappers of every configured version and
// the webapp directory.
func (p *PHP) Delete(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	app, ok := r.(*resources.WebApp)
	if !ok {
		return typeError(p.name, r)
	}
	if err := p.cleanup(b, app, "", s); err != nil {
		return err
	}
	ctx, err := p.BuildContext(app)
	if err != nil {
		return err
	}
	dir := path.Clean(ctx.String("app_path"))
	if dir == "/" || dir == "." {
		return engine.NewConfigurationError(fmt.Sprintf("refusing to remove webapp directory %q", dir), nil).
			WithBackend(p.name).WithResource(app.Key())
	}
	s.Appendf("rm -rf -- %s", engine.ShellQuote(dir))
	return nil
}

// cleanup removes the files of every configured version other than keep.
// With merged pools, versions still used by a sibling webapp are kept.
func (p *PHP) cleanup(b *engine.Batch, app *resources.WebApp, keep string, s *engine.Script) error {
	protected := map[string]bool{}
	if p.settings.Merge {
		for _, sib := range b.Siblings(app, nil) {
			if other, ok := sib.(*resources.WebApp); ok && IsPHP(other) {
				protected[p.version(other)] = true
			}
		}
	}

	for _, version := range p.settings.Versions {
		if version == keep || protected[version] {
			continue
		}
		ctx, err := p.versionContext(app, version, app.Options)
		if err != nil {
			return err
		}
		switch ctx.String("php_mode") {
		case ModeFPM:
			removeFile(s, ctx.String("fpm_path"), p.fpmFlag(b, ctx.String("php_version_number")))
		case ModeCGI:
			removeFile(s, ctx.String("wrapper_path"))
			removeFile(s, ctx.String("cmd_options_path"), p.apacheFlag(b))
		}
	}
	return nil
}

// Commit reloads every FPM version that changed, then takes part in the
// apache2 service.
func (p *PHP) Commit(_ context.Context, b *engine.Batch, s *engine.Script) error {
	seen := map[string]bool{}
	for _, version := range p.settings.Versions {
		number, mode, err := SplitVersion(version)
		if err != nil {
			return err
		}
		if mode != ModeFPM || seen[number] {
			continue
		}
		seen[number] = true

		reload, err := engine.Render("fpm_reload", p.settings.FPMReload, engine.Context{"php_version_number": number})
		if err != nil {
			return err
		}
		flag := engine.ShellQuote(p.fpmFlag(b, number))
		s.Appendf("if [ -e %s ]; then\n    rm -f %s\n    %s\nfi", flag, flag, reload)
	}

	stmt, err := shared(ServiceApache, b, p.coordination).CommitStatement(p.name, p.apacheFlag(b), p.reload)
	if err != nil {
		return err
	}
	s.AppendFinally(stmt)
	return nil
}

func sortedDirectives(m map[string]string) []Directive {
	out := make([]Directive, 0, len(m))
	for k, v := range m {
		out = append(out, Directive{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

var _ engine.Backend = (*PHP)(nil)
