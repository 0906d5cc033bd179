package engine

import (
	"context"
	"time"
)

// Admitter decides whether an operation may be planned at all. A non-nil
// error blocks the operation entirely; it is reported as a denial.
type Admitter interface {
	Admit(ctx context.Context, op Operation) error
}

// RunRecorder persists run reports and the scripts that were applied.
type RunRecorder interface {
	// RecordRun stores the final report of a run.
	RecordRun(ctx context.Context, run *Run) error

	// SaveScript stores the text of a successfully executed unit.
	SaveScript(ctx context.Context, unit string, text string) error
}

// Observer receives orchestration measurements.
type Observer interface {
	// BatchCompleted is called once per executed batch.
	BatchCompleted(status RunStatus, duration time.Duration)

	// ScriptExecuted is called for every executed unit.
	ScriptExecuted(backend string, phase Phase, failed bool, duration time.Duration)

	// SharedActionFired is called for every shared action signal.
	SharedActionFired(service string)

	// OperationDenied is called when admission blocks an operation.
	OperationDenied(kind string)
}

type nopObserver struct{}

func (nopObserver) BatchCompleted(RunStatus, time.Duration)           {}
func (nopObserver) ScriptExecuted(string, Phase, bool, time.Duration) {}
func (nopObserver) SharedActionFired(string)                          {}
func (nopObserver) OperationDenied(string)                            {}
