package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hostpanel/hostpanel/pkg/backends"
	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/policy"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [manifest...]",
		Short: "Validate settings, routes, manifests and policies",
		Long: `Validate the panel configuration without touching any host.

This command checks:
  - Settings syntax and field constraints
  - Route hosts, backends and Starlark predicates
  - CUE manifest syntax and resource schema
  - Policy files and policy compliance of every resource
  - That every resource is routed to at least one backend`,
		Example: `  # Validate the configured manifests
  panel validate

  # Validate a specific manifest
  panel validate ./sites.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			fmt.Printf("✓ Settings: %d host(s), %d route(s)\n", len(s.Hosts), len(s.Routes))

			if _, err := engine.NewHostRegistry(s.Hosts, nil); err != nil {
				return err
			}
			registry, err := backends.NewRegistry(s)
			if err != nil {
				return err
			}
			router, err := engine.NewRouter(registry, s.Routes, s.Router.MultipleHosts)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Backends: %v\n", registry.Names())

			paths := args
			if len(paths) == 0 {
				paths = s.Manifests
			}
			set, err := config.LoadManifests(paths...)
			if err != nil {
				var me config.ManifestErrors
				if errors.As(err, &me) {
					for _, p := range me {
						fmt.Printf("✗ %s\n", p)
					}
				}
				return err
			}
			fmt.Printf("✓ Manifests: %d resource(s)\n", set.Len())

			var pe *policy.Engine
			if !s.Policy.Disabled {
				pe, err = policy.NewEngine(telemetry.Component("policy"), policy.Limits{
					MaxProcesses: s.Policy.MaxProcesses,
					MaxTimeout:   s.Policy.MaxTimeout,
				})
				if err != nil {
					return err
				}
				if s.Policy.Dir != "" {
					if err := pe.LoadPolicies(ctx, []string{s.Policy.Dir}); err != nil {
						return err
					}
				}
				fmt.Printf("✓ Policies: %d loaded\n", len(pe.ListPolicies()))
			}

			problems := 0
			for _, op := range set.Operations() {
				key := op.Resource.Key()
				if len(router.Match(op.Resource)) == 0 {
					fmt.Printf("✗ %s: no route matches\n", key)
					problems++
				}
				if pe == nil {
					continue
				}
				res, err := pe.Evaluate(ctx, op)
				if err != nil {
					return err
				}
				for _, v := range res.Violations {
					if v.Severity.Blocking() {
						fmt.Printf("✗ %s: %s (%s)\n", key, v.Message, v.Policy)
						problems++
					} else {
						fmt.Printf("! %s: %s (%s)\n", key, v.Message, v.Policy)
					}
				}
				for _, w := range res.Warnings {
					fmt.Printf("! %s: %s\n", key, w)
				}
			}

			log.Debug().Int("problems", problems).Msg("Validation finished")
			if problems > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d problem(s) found", problems)}
			}
			fmt.Println("\nConfiguration is valid.")
			return nil
		},
	}

	return cmd
}
