// Package resources defines the typed resources managed by the panel.
//
// Each resource is parsed and validated once at the boundary (manifest or
// store) and then handed to the engine through the engine.Resource
// interface. Backends type-assert to the concrete struct they handle.
package resources

import (
	"strings"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// Resource kinds.
const (
	KindWebApp   = "webapp"
	KindWebsite  = "website"
	KindList     = "list"
	KindDatabase = "database"
	KindSaaS     = "saas"
)

// Kinds lists every supported kind.
var Kinds = []string{KindWebApp, KindWebsite, KindList, KindDatabase, KindSaaS}

// WebAppOptions are the per-webapp tuning options.
type WebAppOptions struct {
	// Processes is the maximum number of PHP processes.
	Processes int `json:"processes,omitempty" validate:"omitempty,min=1,max=256"`

	// Timeout is the request timeout in seconds.
	Timeout int `json:"timeout,omitempty" validate:"omitempty,min=1,max=3600"`

	// MaxRequests overrides the configured requests per process.
	MaxRequests int `json:"max_requests,omitempty" validate:"omitempty,min=1"`

	// Directives are php.ini directives, e.g. memory_limit.
	Directives map[string]string `json:"directives,omitempty" validate:"omitempty,dive,keys,php_directive,endkeys"`
}

// WebApp is a web application living under an account's home.
type WebApp struct {
	Name       string        `json:"name" validate:"required,resource_name"`
	Account    string        `json:"account" validate:"required,resource_name"`
	Type       string        `json:"type" validate:"required,oneof=php static"`
	PHPVersion string        `json:"php_version,omitempty" validate:"required_if=Type php"`
	Options    WebAppOptions `json:"options"`

	// Mounted is set when a website of the same set mounts the webapp.
	Mounted bool `json:"mounted,omitempty"`
}

func (w *WebApp) Kind() string      { return KindWebApp }
func (w *WebApp) Key() string       { return key(KindWebApp, w.Account, w.Name) }
func (w *WebApp) AccountID() string { return w.Account }

func (w *WebApp) Attributes() map[string]any {
	return map[string]any{
		"name":        w.Name,
		"account":     w.Account,
		"type":        w.Type,
		"php_version": w.PHPVersion,
		"is_mounted":  w.Mounted,
		"options": map[string]any{
			"processes":    w.Options.Processes,
			"timeout":      w.Options.Timeout,
			"max_requests": w.Options.MaxRequests,
			"directives":   copyStrings(w.Options.Directives),
		},
	}
}

// Mount attaches a webapp to a path of a website.
type Mount struct {
	Path   string `json:"path" validate:"required,startswith=/"`
	WebApp string `json:"webapp" validate:"required,resource_name"`
}

// Website is a virtual host serving one or more domains.
type Website struct {
	Name       string   `json:"name" validate:"required,resource_name"`
	Account    string   `json:"account" validate:"required,resource_name"`
	Domains    []string `json:"domains" validate:"required,min=1,dive,fqdn"`
	Port       int      `json:"port" validate:"required,min=1,max=65535"`
	Mounts     []Mount  `json:"mounts,omitempty" validate:"omitempty,dive"`
	Directives []string `json:"directives,omitempty"`
}

func (w *Website) Kind() string      { return KindWebsite }
func (w *Website) Key() string       { return key(KindWebsite, w.Account, w.Name) }
func (w *Website) AccountID() string { return w.Account }

func (w *Website) Attributes() map[string]any {
	mounts := make([]any, len(w.Mounts))
	for i, m := range w.Mounts {
		mounts[i] = map[string]any{"path": m.Path, "webapp": m.WebApp}
	}
	return map[string]any{
		"name":    w.Name,
		"account": w.Account,
		"domains": append([]string(nil), w.Domains...),
		"port":    w.Port,
		"mounts":  mounts,
	}
}

// MailList is a mailing list, optionally addressed on a custom domain.
type MailList struct {
	Name          string `json:"name" validate:"required,resource_name"`
	Account       string `json:"account" validate:"required,resource_name"`
	AddressName   string `json:"address_name,omitempty" validate:"omitempty,resource_name"`
	AddressDomain string `json:"address_domain,omitempty" validate:"omitempty,fqdn"`
	AdminEmail    string `json:"admin_email" validate:"required,email"`
	Password      string `json:"password,omitempty"`
	Active        bool   `json:"active"`
}

func (l *MailList) Kind() string      { return KindList }
func (l *MailList) Key() string       { return key(KindList, l.Account, l.Name) }
func (l *MailList) AccountID() string { return l.Account }

// Address returns the local part used on the custom domain.
func (l *MailList) Address() string {
	if l.AddressName != "" {
		return l.AddressName
	}
	return l.Name
}

func (l *MailList) Attributes() map[string]any {
	return map[string]any{
		"name":           l.Name,
		"account":        l.Account,
		"address_name":   l.Address(),
		"address_domain": l.AddressDomain,
		"active":         l.Active,
	}
}

// DatabaseUser is a database login.
type DatabaseUser struct {
	Username string `json:"username" validate:"required,max=16,resource_name"`
	Password string `json:"password" validate:"required"`
}

// Database is a database with its users. The first user is the owner.
type Database struct {
	Name    string         `json:"name" validate:"required,max=64,resource_name"`
	Account string         `json:"account" validate:"required,resource_name"`
	Type    string         `json:"type" validate:"required,oneof=mysql"`
	Users   []DatabaseUser `json:"users,omitempty" validate:"omitempty,dive"`
}

func (d *Database) Kind() string      { return KindDatabase }
func (d *Database) Key() string       { return key(KindDatabase, d.Account, d.Name) }
func (d *Database) AccountID() string { return d.Account }

func (d *Database) Attributes() map[string]any {
	users := make([]string, len(d.Users))
	for i, u := range d.Users {
		users[i] = u.Username
	}
	return map[string]any{
		"name":    d.Name,
		"account": d.Account,
		"type":    d.Type,
		"users":   users,
	}
}

// SaaS is an instance of a hosted application provisioned remotely.
type SaaS struct {
	Service string `json:"service" validate:"required,resource_name"`
	Name    string `json:"name" validate:"required,resource_name"`
	Account string `json:"account" validate:"required,resource_name"`
	Site    string `json:"site,omitempty" validate:"omitempty,url"`
}

func (s *SaaS) Kind() string      { return KindSaaS }
func (s *SaaS) Key() string       { return key(KindSaaS, s.Account, s.Service+"-"+s.Name) }
func (s *SaaS) AccountID() string { return s.Account }

func (s *SaaS) Attributes() map[string]any {
	return map[string]any{
		"service": s.Service,
		"name":    s.Name,
		"account": s.Account,
		"site":    s.Site,
	}
}

var (
	_ engine.Resource = (*WebApp)(nil)
	_ engine.Resource = (*Website)(nil)
	_ engine.Resource = (*MailList)(nil)
	_ engine.Resource = (*Database)(nil)
	_ engine.Resource = (*SaaS)(nil)
)

func key(kind, account, name string) string {
	return strings.Join([]string{kind, account, name}, "/")
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
