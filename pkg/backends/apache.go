package backends

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

const vhostTemplate = `# {{.banner}}
<VirtualHost *:{{.port}}>
    ServerName {{.server_name}}
{{- if .server_alias}}
    ServerAlias {{join .server_alias " "}}
{{- end}}
    CustomLog {{.log_dir}}/{{.site_name}} common
    ErrorLog {{.log_dir}}/{{.site_name}}-error
{{- range .mounts}}

    Alias {{.Path}} {{.Dir}}
    <Directory {{.Dir}}>
        Require all granted
{{- if eq .Mode "fpm"}}
        <FilesMatch "\.php$">
            SetHandler "proxy:unix:{{.Listen}}|fcgi://localhost"
        </FilesMatch>
{{- else if eq .Mode "cgi"}}
        Options +ExecCGI
        AddHandler fcgid-script .php
        FcgidWrapper {{.Wrapper}} .php
{{- end}}
    </Directory>
{{- if eq .Mode "cgi"}}
    Include {{.CmdOptions}}
{{- end}}
{{- end}}
{{- range .directives}}
    {{.}}
{{- end}}
</VirtualHost>`

// MountPoint is a resolved webapp mount of a website.
type MountPoint struct {
	Path       string
	Dir        string
	Mode       string
	Listen     string
	Wrapper    string
	CmdOptions string
}

// Apache manages one virtual host per website.
type Apache struct {
	base
	settings     config.ApacheSettings
	coordination config.CoordinationSettings
	php          *PHP
}

// NewApache creates the apache2 backend. php renders the handlers of
// mounted PHP webapps.
func NewApache(s *config.Settings, php *PHP) *Apache {
	return &Apache{
		base:         base{name: "apache2", kind: resources.KindWebsite},
		settings:     s.Apache,
		coordination: s.Coordination,
		php:          php,
	}
}

// BuildContext derives the vhost context. Mounts are resolved against the
// batch inventory in Save.
func (a *Apache) BuildContext(r engine.Resource) (engine.Context, error) {
	site, ok := r.(*resources.Website)
	if !ok {
		return nil, typeError(a.name, r)
	}
	if len(site.Domains) == 0 {
		return nil, engine.NewValidationError("website has no domains", nil).WithResource(site.Key())
	}

	ctx := engine.Context{
		"banner":       Banner,
		"user":         site.Account,
		"site_name":    site.Account + "-" + site.Name,
		"port":         site.Port,
		"server_name":  site.Domains[0],
		"server_alias": append([]string(nil), site.Domains[1:]...),
		"log_dir":      a.settings.LogDir,
		"directives":   append([]string(nil), site.Directives...),
		"mounts":       []MountPoint{},
	}
	for key, tmpl := range map[string]string{
		"webapp_dir":   a.settings.WebappDir,
		"enable_site":  a.settings.EnableSite,
		"disable_site": a.settings.DisableSite,
	} {
		v, err := engine.Render(key, tmpl, ctx)
		if err != nil {
			return nil, err
		}
		ctx[key] = v
	}
	ctx["site_path"] = path.Join(a.settings.SitesDir, ctx.String("site_name")+".conf")
	return ctx, nil
}

func (a *Apache) mounts(b *engine.Batch, site *resources.Website, webappDir string) ([]MountPoint, error) {
	apps := map[string]*resources.WebApp{}
	if b.Inventory != nil {
		for _, r := range b.Inventory.List(resources.KindWebApp) {
			if app, ok := r.(*resources.WebApp); ok && app.Account == site.Account {
				apps[app.Name] = app
			}
		}
	}

	out := make([]MountPoint, 0, len(site.Mounts))
	for _, m := range site.Mounts {
		mp := MountPoint{Path: m.Path, Dir: path.Join(webappDir, m.WebApp)}
		if app, ok := apps[m.WebApp]; ok && IsPHP(app) && a.php != nil {
			ctx, err := a.php.BuildContext(app)
			if err != nil {
				return nil, err
			}
			mp.Dir = ctx.String("app_path")
			mp.Mode = ctx.String("php_mode")
			mp.Listen = ctx.String("fpm_listen")
			mp.Wrapper = ctx.String("wrapper_path")
			mp.CmdOptions = ctx.String("cmd_options_path")
		}
		out = append(out, mp)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Path) > len(out[j].Path) })
	return out, nil
}

func (a *Apache) flag(b *engine.Batch) string {
	return b.Flag(a.name, "apache")
}

func (a *Apache) Prepare(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServiceApache, b, a.coordination).PrepareStatement(a.name, a.flag(b))
	if err != nil {
		return err
	}
	s.Append(stmt)
	return nil
}

// Save writes the vhost and enables the site.
func (a *Apache) Save(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	site, ok := r.(*resources.Website)
	if !ok {
		return typeError(a.name, r)
	}
	ctx, err := a.BuildContext(site)
	if err != nil {
		return err
	}
	mounts, err := a.mounts(b, site, ctx.String("webapp_dir"))
	if err != nil {
		return err
	}
	ctx["mounts"] = mounts

	vhost, err := engine.Render("vhost", vhostTemplate, ctx)
	if err != nil {
		return err
	}
	writeFile(s, ctx.String("site_path"), vhost, "644", a.flag(b))
	onFlag(s, a.flag(b), ctx.String("enable_site")+" >/dev/null")
	return nil
}

// Delete disables the site and removes its vhost.
func (a *Apache) Delete(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	site, ok := r.(*resources.Website)
	if !ok {
		return typeError(a.name, r)
	}
	ctx, err := a.BuildContext(site)
	if err != nil {
		return err
	}
	q := engine.ShellQuote(ctx.String("site_path"))
	s.AppendTolerant(strings.Join([]string{
		"if [ -e " + q + " ]; then",
		"    " + ctx.String("disable_site") + " >/dev/null",
		"fi",
	}, "\n"), 1)
	removeFile(s, ctx.String("site_path"), a.flag(b))
	return nil
}

func (a *Apache) Commit(_ context.Context, b *engine.Batch, s *engine.Script) error {
	stmt, err := shared(ServiceApache, b, a.coordination).CommitStatement(a.name, a.flag(b), a.settings.Reload)
	if err != nil {
		return err
	}
	s.AppendFinally(stmt)
	return nil
}

var _ engine.Backend = (*Apache)(nil)
