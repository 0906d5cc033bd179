package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// batchFlags select the operations of a plan or apply.
type batchFlags struct {
	onlyFailed bool
	runID      string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.onlyFailed, "only-failed", false, "only resources that failed or were denied in the last run")
	cmd.Flags().StringVar(&f.runID, "run", "", "with --only-failed, the run to retry instead of the last one")
}

// operations loads the manifests and derives the batch, narrowed to the
// failed subset of a previous run when asked.
func (f *batchFlags) operations(ctx context.Context, a *app, paths []string) ([]engine.Operation, *resources.Set, error) {
	set, err := a.desired(paths)
	if err != nil {
		return nil, nil, err
	}
	ops, err := a.operations(ctx, set)
	if err != nil {
		return nil, nil, err
	}
	if !f.onlyFailed {
		return ops, set, nil
	}

	runID := f.runID
	if runID == "" {
		runs, err := a.store.ListRuns(ctx, 1, 0)
		if err != nil {
			return nil, nil, err
		}
		if len(runs) == 0 {
			return nil, set, nil
		}
		runID = runs[0].ID
	}
	failed, err := a.store.FailedResources(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	retry := make(map[string]bool, len(failed))
	for _, key := range failed {
		retry[key] = true
	}

	var out []engine.Operation
	for _, op := range ops {
		if retry[op.Resource.Key()] {
			out = append(out, op)
		}
	}
	log.Info().Str("run_id", runID).Int("operations", len(out)).Msg("Retrying failed resources")
	return out, set, nil
}

func newPlanCommand() *cobra.Command {
	var (
		flags   batchFlags
		noDiff  bool
		scripts bool
	)

	cmd := &cobra.Command{
		Use:   "plan [manifest...]",
		Short: "Show the scripts a batch would run",
		Long: `Route every resource, accumulate the backend scripts and show them without
executing anything.

For each unit the diff against the script last applied for the same
backend, host and resource is shown. Resources denied by policy or that
match no route are listed separately.`,
		Example: `  # Preview the configured manifests
  panel plan

  # Show full scripts instead of diffs
  panel plan --scripts

  # Preview a retry of the last run's failures
  panel plan --only-failed`,
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
			plan, err := a.orch.Plan(ctx, ops, set)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(planView(plan))
			}

			changed := 0
			for _, u := range plan.Units() {
				text := u.Script.Text()
				header := fmt.Sprintf("# %s (%s)", u.Name(), u.Phase)

				if scripts {
					fmt.Printf("%s\n%s\n", header, text)
					continue
				}
				if noDiff {
					fmt.Printf("%s: %d statement(s)\n", u.Name(), u.Script.Len())
					continue
				}

				previous, err := a.store.LastScript(ctx, u.Name())
				if err != nil {
					return err
				}
				diff, err := engine.DiffScripts(u.Name(), previous, text)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Printf("%s: unchanged\n", u.Name())
					continue
				}
				changed++
				fmt.Printf("%s\n%s\n", header, diff)
			}

			for _, r := range plan.Rejected {
				fmt.Printf("✗ %s %s: %s (%s)\n", r.Action, r.Resource, r.Error, r.Status)
			}
			fmt.Printf("\nPlan %s: %d group(s), %d unit(s), %d changed, %d rejected\n",
				plan.BatchID, len(plan.Groups), len(plan.Units()), changed, len(plan.Rejected))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&noDiff, "no-diff", false, "only list units")
	cmd.Flags().BoolVar(&scripts, "scripts", false, "print full scripts instead of diffs")

	return cmd
}

type unitView struct {
	Name string `json:"name"`
	*engine.Unit
	Script string `json:"script"`
}

func planView(p *engine.Plan) any {
	units := make([]unitView, 0)
	for _, u := range p.Units() {
		units = append(units, unitView{Name: u.Name(), Unit: u, Script: u.Script.Text()})
	}
	return struct {
		BatchID  string                   `json:"batch_id"`
		Units    []unitView               `json:"units"`
		Rejected []*engine.ResourceResult `json:"rejected,omitempty"`
	}{p.BatchID, units, p.Rejected}
}
