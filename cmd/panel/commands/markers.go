package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/transports/ssh"
)

func newMarkersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "markers",
		Short: "Inspect shared-service coordination markers",
		Long: `Inspect and clear the marker records that coordinate shared reloads.

A marker left behind after a batch names backends that announced a change
but never committed, or a reload that was requested and never performed.
Remote hosts are inspected over SFTP.`,
	}

	cmd.AddCommand(newMarkersListCommand())
	cmd.AddCommand(newMarkersClearCommand())

	return cmd
}

// markerStore opens the marker store of host. The returned closer is
// always non-nil.
func markerStore(ctx context.Context, s *config.Settings, host string) (engine.MarkerStore, string, func(), error) {
	hosts, err := engine.NewHostRegistry(s.Hosts, nil)
	if err != nil {
		return nil, "", nil, err
	}
	h, err := hosts.Get(host)
	if err != nil {
		return nil, "", nil, err
	}
	dir := s.StateDirs()[h.Name]

	if h.Local {
		return engine.LocalMarkers{}, dir, func() {}, nil
	}
	client, err := ssh.Dial(ctx, h, sshBase(s.SSH))
	if err != nil {
		return nil, "", nil, err
	}
	return client, dir, func() { _ = client.Close() }, nil
}

func newMarkersListCommand() *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List markers on hosts",
		Example: `  # List markers on every host
  panel markers list

  # List markers on one host
  panel markers list --host web1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				for _, h := range s.Hosts {
					hosts = append(hosts, h.Name)
				}
			}

			all := make(map[string][]engine.MarkerFile)
			for _, host := range hosts {
				store, dir, closeFn, err := markerStore(ctx, s, host)
				if err != nil {
					return err
				}
				markers, err := store.ListMarkers(ctx, dir)
				closeFn()
				if err != nil {
					return fmt.Errorf("host %s: %w", host, err)
				}
				all[host] = markers
			}

			if jsonOutput {
				return printJSON(all)
			}
			for _, host := range hosts {
				markers := all[host]
				if len(markers) == 0 {
					fmt.Printf("%s: clean\n", host)
					continue
				}
				for _, m := range markers {
					state := []string{}
					if p := m.Set.Pending(); len(p) > 0 {
						state = append(state, "pending: "+strings.Join(p, ","))
					}
					if m.Set.RestartRequested() {
						state = append(state, "reload requested")
					}
					if m.Locked {
						state = append(state, "locked")
					}
					if b := m.Set.Batches(); len(b) > 0 {
						state = append(state, "batch: "+strings.Join(b, ","))
					}
					fmt.Printf("%s: %s %s (%s)\n", host, m.Service, strings.Join(state, "; "), m.Modified.Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "host", nil, "host names (default: all hosts)")

	return cmd
}

func newMarkersClearCommand() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "clear SERVICE...",
		Short: "Remove stale markers and locks",
		Long: `Remove the marker record and lock of each service on a host.

Only clear a marker after the pending change has been applied or the
reload has been run by hand; the next batch starts from a clean slate.`,
		Example: `  # Clear a stale apache2 marker on web1
  panel markers clear --host web1 apache2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := loadSettings()
			if err != nil {
				return err
			}

			store, dir, closeFn, err := markerStore(ctx, s, host)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, service := range args {
				if err := store.ClearMarker(ctx, dir, service); err != nil {
					return err
				}
				log.Info().Str("host", host).Str("service", service).Msg("Marker cleared")
				fmt.Printf("✓ %s: cleared %s\n", host, service)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host name")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}
