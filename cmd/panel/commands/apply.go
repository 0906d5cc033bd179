package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
)

// Exit codes of apply.
const (
	exitFailed  = 1
	exitPartial = 2
)

func newApplyCommand() *cobra.Command {
	var flags batchFlags

	cmd := &cobra.Command{
		Use:   "apply [manifest...]",
		Short: "Provision the desired resources",
		Long: `Plan and execute one batch.

This command:
  - Loads the manifests and diffs them against the applied inventory
  - Saves every desired resource and deletes the ones no longer desired
  - Runs one script per backend and host, in parallel across groups
  - Fires each shared reload at most once per host
  - Records the run and updates the inventory

It exits 2 when the run is partial and 1 when it failed, so a retry with
--only-failed can be scripted.`,
		Example: `  # Apply the configured manifests
  panel apply

  # Re-run only what failed last time
  panel apply --only-failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			ops, set, err := flags.operations(ctx, a, args)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("Nothing to apply.")
				return nil
			}

			op := a.tel.StartOperation(ctx, "panel.apply", telemetry.AttrCommand.String("apply"))
			run, err := a.orch.Apply(op.Ctx, ops, set)
			if err == nil {
				op.Span.SetAttributes(telemetry.AttrBatchID.String(run.ID))
				err = a.store.RecordApplied(op.Ctx, run, set)
			}
			op.End(err)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(run); err != nil {
					return err
				}
			} else {
				printRun(run)
			}

			log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("Apply finished")
			switch run.Status {
			case engine.RunStatusPartial:
				return &exitError{code: exitPartial, err: fmt.Errorf("run %s partially failed", run.ID)}
			case engine.RunStatusFailed:
				return &exitError{code: exitFailed, err: fmt.Errorf("run %s failed", run.ID)}
			}
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}
