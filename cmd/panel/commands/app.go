package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/hostpanel/hostpanel/pkg/backends"
	"github.com/hostpanel/hostpanel/pkg/billing"
	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/policy"
	"github.com/hostpanel/hostpanel/pkg/resources"
	"github.com/hostpanel/hostpanel/pkg/stores"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
	"github.com/hostpanel/hostpanel/pkg/transports/ssh"
)

// defaultSettingsFile is read when --config is not given and it exists.
const defaultSettingsFile = "panel.yaml"

// app is the wired process: settings, telemetry, store and, for commands
// that provision, the orchestrator.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore

	hosts    *engine.HostRegistry
	registry *engine.Registry
	router   *engine.Router
	policy   *policy.Engine
	orch     *engine.Orchestrator
}

func settingsPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(defaultSettingsFile); err == nil {
		return defaultSettingsFile
	}
	return ""
}

func loadSettings() (*config.Settings, error) {
	s, err := config.Load(settingsPath())
	if err != nil {
		return nil, err
	}
	if verbose {
		s.Telemetry.Logging.Level = "debug"
	}
	return s, nil
}

// newApp loads settings, installs telemetry and opens the store. With
// provisioning set it also builds hosts, backends, router, policies and
// the orchestrator.
func newApp(ctx context.Context, provisioning bool) (*app, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(&s.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a := &app{settings: s, tel: tel}

	a.store, err = stores.Open(ctx, stores.Config{Path: s.Database.Path})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if provisioning {
		if err := a.wireEngine(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) wireEngine(ctx context.Context) error {
	s := a.settings

	hosts, err := engine.NewHostRegistry(s.Hosts, ssh.Dialer(sshBase(s.SSH)))
	if err != nil {
		return err
	}
	a.hosts = hosts

	if a.registry, err = backends.NewRegistry(s); err != nil {
		return err
	}
	if a.router, err = engine.NewRouter(a.registry, s.Routes, s.Router.MultipleHosts); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithRecorder(a.store),
		engine.WithObserver(a.tel.Metrics),
		engine.WithMaxParallel(s.Router.MaxParallel),
		engine.WithStateDirs(s.StateDirs()),
	}
	if !s.Policy.Disabled {
		pe, err := policy.NewEngine(telemetry.Component("policy"), policy.Limits{
			MaxProcesses: s.Policy.MaxProcesses,
			MaxTimeout:   s.Policy.MaxTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to build policy engine: %w", err)
		}
		if s.Policy.Dir != "" {
			if err := pe.LoadPolicies(ctx, []string{s.Policy.Dir}); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
		}
		a.policy = pe
		opts = append(opts, engine.WithAdmitter(pe))
	}

	a.orch = engine.NewOrchestrator(a.registry, a.router, a.hosts, opts...)
	return nil
}

func sshBase(s config.SSHSettings) ssh.Config {
	return ssh.Config{
		KnownHostsPath:        s.KnownHosts,
		StrictHostKeyChecking: s.StrictHostKeyChecking,
		ConnectionTimeout:     s.ConnectTimeout,
		KeepAliveInterval:     s.KeepAlive,
		MaxKeepAliveRetries:   3,
		Sudo:                  s.Sudo,
	}
}

func (a *app) close() {
	var errs []error
	if a.hosts != nil {
		errs = append(errs, a.hosts.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// desired loads the manifests named in the settings, or paths when given.
func (a *app) desired(paths []string) (*resources.Set, error) {
	if len(paths) == 0 {
		paths = a.settings.Manifests
	}
	return config.LoadManifests(paths...)
}

// operations returns saves for every desired resource followed by
// deletes for applied resources no longer desired. Applied resources start
// from SAVED.
func (a *app) operations(ctx context.Context, set *resources.Set) ([]engine.Operation, error) {
	applied, err := a.store.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return set.Changes(applied), nil
}

func (a *app) numbering() billing.Numbering {
	p := a.settings.Billing.Prefixes
	return billing.Numbering{
		Prefixes: map[billing.BillType]string{
			billing.Invoice:          p.Invoice,
			billing.AmendmentInvoice: p.AmendmentInvoice,
			billing.Fee:              p.Fee,
			billing.AmendmentFee:     p.AmendmentFee,
			billing.Proforma:         p.Proforma,
		},
		Width: a.settings.Billing.NumberLength,
	}
}

func (a *app) billingService() *billing.Service {
	return billing.NewService(a.store, a.numbering(),
		billing.WithDocument(documentFor(a)),
		billing.WithDueDelta(a.settings.Billing.DueDelta),
		billing.WithObserver(a.tel.Metrics),
	)
}
