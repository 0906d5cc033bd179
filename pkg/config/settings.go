package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PANEL_"

// Settings is the panel configuration.
type Settings struct {
	// Manifests lists the CUE files or directories holding resources.
	Manifests []string `yaml:"manifests" env:"MANIFESTS" envSeparator:","`

	Database     DatabaseSettings     `yaml:"database" envPrefix:"DATABASE_"`
	Hosts        []engine.Host        `yaml:"hosts" validate:"dive"`
	Routes       []engine.RouteConfig `yaml:"routes" validate:"dive"`
	Router       RouterSettings       `yaml:"router"`
	Backends     BackendsSettings     `yaml:"backends"`
	PHP          PHPSettings          `yaml:"php"`
	Apache       ApacheSettings       `yaml:"apache"`
	Lists        ListsSettings        `yaml:"lists"`
	MySQL        MySQLSettings        `yaml:"mysql"`
	SaaS         SaaSSettings         `yaml:"saas" envPrefix:"SAAS_"`
	Billing      BillingSettings      `yaml:"billing"`
	Coordination CoordinationSettings `yaml:"coordination" envPrefix:"COORDINATION_"`
	Policy       PolicySettings       `yaml:"policy" envPrefix:"POLICY_"`
	SSH          SSHSettings          `yaml:"ssh" envPrefix:"SSH_"`
	Telemetry    telemetry.Config     `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// DatabaseSettings locates the SQLite store.
type DatabaseSettings struct {
	Path string `yaml:"path" env:"PATH" validate:"required"`
}

// RouterSettings tunes routing.
type RouterSettings struct {
	// MultipleHosts lists backends applied on every matching host.
	MultipleHosts []string `yaml:"multiple_hosts"`

	// MaxParallel bounds concurrently executing groups.
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`
}

// BackendsSettings selects the registered backends.
type BackendsSettings struct {
	Enabled []string `yaml:"enabled" validate:"dive,oneof=php apache2 mailman mailman-virtualdomain mysql saas-webhook"`
}

// PHPSettings configures the PHP backend. Path settings are templates
// rendered with the webapp context.
type PHPSettings struct {
	Versions           []string `yaml:"versions" validate:"required,min=1"`
	DefaultVersion     string   `yaml:"default_version" validate:"required"`
	Merge              bool     `yaml:"merge"`
	MaxRequests        int      `yaml:"max_requests" validate:"min=1"`
	DefaultMaxChildren int      `yaml:"default_max_children" validate:"min=1"`
	DefaultTimeout     int      `yaml:"default_timeout" validate:"min=1"`
	WebappDir          string   `yaml:"webapp_dir" validate:"required"`
	FPMPoolPath        string   `yaml:"fpm_pool_path" validate:"required"`
	FPMListen          string   `yaml:"fpm_listen" validate:"required"`
	FPMReload          string   `yaml:"fpm_reload" validate:"required"`
	FCGIDWrapperPath   string   `yaml:"fcgid_wrapper_path" validate:"required"`
	FCGIDCmdOptions    string   `yaml:"fcgid_cmd_options_path" validate:"required"`
	CGIBinaryPath      string   `yaml:"cgi_binary_path" validate:"required"`
	CGIRCDir           string   `yaml:"cgi_rc_dir" validate:"required"`
	CGIIniScanDir      string   `yaml:"cgi_ini_scan_dir" validate:"required"`
}

// ApacheSettings configures the Apache2 backend. Commands are templates
// rendered with the site context.
type ApacheSettings struct {
	SitesDir    string `yaml:"sites_dir" validate:"required"`
	WebappDir   string `yaml:"webapp_dir" validate:"required"`
	LogDir      string `yaml:"log_dir" validate:"required"`
	EnableSite  string `yaml:"enable_site" validate:"required"`
	DisableSite string `yaml:"disable_site" validate:"required"`

	// Reload is the shared apache2 action.
	Reload string `yaml:"reload" validate:"required"`
}

// ListsSettings configures the Mailman backends.
type ListsSettings struct {
	MailmanRoot        string `yaml:"mailman_root" validate:"required"`
	BinDir             string `yaml:"bin_dir" validate:"required"`
	VirtualAlias       string `yaml:"virtual_alias_path" validate:"required"`
	VirtualAliasDomain string `yaml:"virtual_alias_domains_path" validate:"required"`
	DefaultDomain      string `yaml:"default_domain" validate:"required"`
	PostMap            string `yaml:"postmap" validate:"required"`

	// Reload is the shared postfix action.
	Reload string `yaml:"reload" validate:"required"`
}

// MySQLSettings configures the MySQL backend.
type MySQLSettings struct {
	Client string `yaml:"client" validate:"required"`
	Host   string `yaml:"host"`
}

// SaaSSettings configures the provisioning webhook.
type SaaSSettings struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	Token    string        `yaml:"token" env:"TOKEN"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// BillingSettings configures numbering, currency and payment methods.
type BillingSettings struct {
	Prefixes       NumberPrefixes                 `yaml:"prefixes"`
	NumberLength   int                            `yaml:"number_length" validate:"min=1,max=9"`
	Currency       string                         `yaml:"currency" validate:"required,len=3"`
	Language       string                         `yaml:"language" validate:"required"`
	Seller         SellerSettings                 `yaml:"seller"`
	PaymentMethods map[string]PaymentMethodConfig `yaml:"payment_methods" validate:"dive"`
}

// NumberPrefixes are the bill number prefixes per bill type.
type NumberPrefixes struct {
	Invoice          string `yaml:"invoice" validate:"required,alpha"`
	AmendmentInvoice string `yaml:"amendment_invoice" validate:"required,alpha"`
	Fee              string `yaml:"fee" validate:"required,alpha"`
	AmendmentFee     string `yaml:"amendment_fee" validate:"required,alpha"`
	Proforma         string `yaml:"proforma" validate:"required,alpha"`
}

// SellerSettings identify the issuer on bill documents.
type SellerSettings struct {
	Name    string `yaml:"name"`
	VATID   string `yaml:"vat_id"`
	Address string `yaml:"address"`
	Email   string `yaml:"email" validate:"omitempty,email"`
}

// PaymentMethodConfig sets the due delay of a payment method.
type PaymentMethodConfig struct {
	DueMonths int `yaml:"due_months" validate:"min=0"`
	DueDays   int `yaml:"due_days" validate:"min=0"`
}

// CoordinationSettings tune the shared-service markers.
type CoordinationSettings struct {
	StateDir string        `yaml:"state_dir" env:"STATE_DIR" validate:"required"`
	Retries  int           `yaml:"retries" validate:"min=0"`
	Backoff  time.Duration `yaml:"backoff"`
}

// PolicySettings configure admission policies.
type PolicySettings struct {
	Dir          string `yaml:"dir" env:"DIR"`
	MaxProcesses int    `yaml:"max_processes" validate:"min=1"`
	MaxTimeout   int    `yaml:"max_timeout" validate:"min=1"`
	Disabled     bool   `yaml:"disabled" env:"DISABLED"`
}

// SSHSettings apply to every remote host.
type SSHSettings struct {
	KnownHosts            string        `yaml:"known_hosts" env:"KNOWN_HOSTS"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" env:"STRICT_HOST_KEY_CHECKING"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" validate:"min=0"`
	KeepAlive             time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE" validate:"min=0"`
	Sudo                  bool          `yaml:"sudo" env:"SUDO"`
}

// DefaultSettings returns settings for a single local host.
func DefaultSettings() *Settings {
	tel := telemetry.DefaultConfig()
	tel.Tracing.Exporter = "none"
	tel.Tracing.Enabled = false

	return &Settings{
		Manifests: []string{"resources.cue"},
		Database:  DatabaseSettings{Path: "panel.db"},
		Router:    RouterSettings{MaxParallel: 10},
		Backends: BackendsSettings{
			Enabled: []string{"php", "apache2", "mailman", "mailman-virtualdomain", "mysql", "saas-webhook"},
		},
		PHP: PHPSettings{
			Versions:           []string{"5.6-cgi", "7.4-fpm", "8.2-fpm"},
			DefaultVersion:     "8.2-fpm",
			MaxRequests:        400,
			DefaultMaxChildren: 3,
			DefaultTimeout:     30,
			WebappDir:          "/home/{{.user}}/webapps/{{.app_name}}",
			FPMPoolPath:        "/etc/php/{{.php_version_number}}/fpm/pool.d/{{.pool}}.conf",
			FPMListen:          "/run/php/{{.pool}}-{{.php_version_number}}.sock",
			FPMReload:          "service php{{.php_version_number}}-fpm reload",
			FCGIDWrapperPath:   "/home/httpd/fcgi-bin.d/{{.user}}/{{.pool}}-{{.php_version_number}}-wrapper",
			FCGIDCmdOptions:    "/etc/apache2/fcgid-conf/{{.pool}}-{{.php_version_number}}.conf",
			CGIBinaryPath:      "/usr/bin/php{{.php_version_number}}-cgi",
			CGIRCDir:           "/etc/php/{{.php_version_number}}/cgi/",
			CGIIniScanDir:      "/etc/php/{{.php_version_number}}/cgi/conf.d",
		},
		Apache: ApacheSettings{
			SitesDir:    "/etc/apache2/sites-available",
			WebappDir:   "/home/{{.user}}/webapps",
			LogDir:      "/var/log/apache2/virtual",
			EnableSite:  "a2ensite {{.site_name}}",
			DisableSite: "a2dissite {{.site_name}}",
			Reload:      "if service apache2 status >/dev/null; then service apache2 reload; else service apache2 start; fi",
		},
		Lists: ListsSettings{
			MailmanRoot:        "/var/lib/mailman",
			BinDir:             "/usr/lib/mailman/bin",
			VirtualAlias:       "/etc/postfix/mailman_virtual_aliases",
			VirtualAliasDomain: "/etc/postfix/mailman_virtual_domains",
			DefaultDomain:      "lists.example.org",
			PostMap:            "postmap",
			Reload:             "postfix reload",
		},
		MySQL: MySQLSettings{Client: "mysql"},
		SaaS:  SaaSSettings{Timeout: 10 * time.Second},
		Billing: BillingSettings{
			Prefixes: NumberPrefixes{
				Invoice:          "I",
				AmendmentInvoice: "A",
				Fee:              "F",
				AmendmentFee:     "B",
				Proforma:         "P",
			},
			NumberLength: 4,
			Currency:     "EUR",
			Language:     "en",
			PaymentMethods: map[string]PaymentMethodConfig{
				"sepa":     {DueMonths: 1},
				"transfer": {DueDays: 15},
			},
		},
		Coordination: CoordinationSettings{
			StateDir: engine.DefaultStateDir,
			Retries:  engine.DefaultLockRetries,
			Backoff:  engine.DefaultLockBackoff,
		},
		Policy: PolicySettings{MaxProcesses: 10, MaxTimeout: 300},
		SSH: SSHSettings{
			StrictHostKeyChecking: true,
			ConnectTimeout:        30 * time.Second,
		},
		Telemetry: *tel,
	}
}

// Load reads settings from path on top of the defaults, then applies
// PANEL_* environment overrides and validates the result. An empty path
// uses the defaults only.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse settings %s", path), err)
		}
	}

	if err := env.ParseWithOptions(s, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, engine.NewConfigurationError("failed to apply environment overrides", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

var settingsValidator = validator.New()

// Validate checks field constraints and cross references between hosts,
// routes and backends.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return engine.NewConfigurationError(
				fmt.Sprintf("setting %s failed validation for tag '%s'", fe.Namespace(), fe.Tag()), err)
		}
		return engine.NewConfigurationError("invalid settings", err)
	}

	hosts := make(map[string]bool, len(s.Hosts))
	for _, h := range s.Hosts {
		hosts[h.Name] = true
	}
	enabled := make(map[string]bool, len(s.Backends.Enabled))
	for _, b := range s.Backends.Enabled {
		enabled[b] = true
	}

	for i, r := range s.Routes {
		if !hosts[r.Host] {
			return engine.NewConfigurationError(fmt.Sprintf("routes[%d] targets unknown host %s", i, r.Host), nil).
				WithCode(engine.ErrCodeInvalidRoute)
		}
		if !enabled[r.Backend] {
			return engine.NewConfigurationError(fmt.Sprintf("routes[%d] uses disabled backend %s", i, r.Backend), nil).
				WithCode(engine.ErrCodeInvalidRoute)
		}
	}

	known := false
	for _, v := range s.PHP.Versions {
		if v == s.PHP.DefaultVersion {
			known = true
		}
	}
	if !known {
		return engine.NewConfigurationError(
			fmt.Sprintf("php default version %s is not among the configured versions", s.PHP.DefaultVersion), nil)
	}

	if err := s.Telemetry.Validate(); err != nil {
		return engine.NewConfigurationError("invalid telemetry settings", err)
	}
	return nil
}

// StateDirs returns the coordination directory per host.
func (s *Settings) StateDirs() map[string]string {
	dirs := make(map[string]string, len(s.Hosts))
	for _, h := range s.Hosts {
		dir := h.StateDir
		if dir == "" {
			dir = s.Coordination.StateDir
		}
		dirs[h.Name] = dir
	}
	return dirs
}

// DueDelta returns the months and days a bill paid with method is due
// after closing. Unknown or empty methods are due one month later.
func (b BillingSettings) DueDelta(method string) (months, days int) {
	if m, ok := b.PaymentMethods[method]; ok && (m.DueMonths > 0 || m.DueDays > 0) {
		return m.DueMonths, m.DueDays
	}
	return 1, 0
}
