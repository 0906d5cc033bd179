package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool
	jsonOutput bool
)

// exitError ends the process with code after the error is logged.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, err
	}
	return 0, err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panel",
		Short: "hostpanel - hosting control panel backend",
		Long: `hostpanel provisions hosted resources (web applications, websites,
mailing lists, databases and SaaS instances) on managed servers and keeps
the billing ledger of the accounts that own them.

Features:
  - Typed resource manifests via CUE
  - Starlark route predicates
  - Batched, coordinated shell scripts per backend and host
  - OPA admission policies
  - Bill numbering, amendments and payment state`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Overload(envFile); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", envFile, err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default panel.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load PANEL_* overrides from this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMarkersCommand())
	rootCmd.AddCommand(newBillCommand())

	return rootCmd
}
