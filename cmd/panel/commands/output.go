package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusMark(s engine.OutcomeStatus) string {
	switch s {
	case engine.OutcomeSucceeded:
		return "✓"
	case engine.OutcomeSkipped:
		return "-"
	default:
		return "✗"
	}
}

func printRun(run *engine.Run) {
	fmt.Printf("Run %s: %s in %s\n\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	for _, r := range run.Results {
		where := ""
		if r.Backend != "" {
			where = fmt.Sprintf(" [%s@%s]", r.Backend, r.Host)
		}
		fmt.Printf("%s %s %s%s: %s\n", statusMark(r.Status), r.Action, r.Resource, where, r.Status)
		if r.Error != "" {
			fmt.Printf("    %s: %s\n", r.Class, r.Error)
		}
	}

	if len(run.SharedActions) > 0 {
		services := make([]string, 0, len(run.SharedActions))
		for s := range run.SharedActions {
			services = append(services, s)
		}
		sort.Strings(services)
		fmt.Println()
		for _, s := range services {
			fmt.Printf("↻ %s reloaded %d time(s)\n", s, run.SharedActions[s])
		}
	}
	for _, e := range run.Errors {
		fmt.Printf("! %s\n", e)
	}

	sum := run.Summary
	fmt.Printf("\n%d total, %d succeeded, %d failed, %d skipped, %d denied\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.Skipped, sum.Denied)
}
