package engine

import "fmt"

// RunStatus represents the overall status of an orchestration run.
type RunStatus string

const (
	// RunStatusPending indicates the run is planned but not yet executing.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource operation succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no resource operation succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some resources succeeded and some did not.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status is terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusPartial
}

// Action is the lifecycle event a backend reacts to.
type Action string

const (
	// ActionSave creates or updates the host configuration of a resource.
	ActionSave Action = "save"

	// ActionDelete removes all host configuration of a resource.
	ActionDelete Action = "delete"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionSave, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ResourceState is the per-resource provisioning state.
//
//	NOT_PROVISIONED -> SAVING -> SAVED
//	SAVED -> DELETING -> DELETED
type ResourceState string

const (
	ResourceStateNotProvisioned ResourceState = "NOT_PROVISIONED"
	ResourceStateSaving         ResourceState = "SAVING"
	ResourceStateSaved          ResourceState = "SAVED"
	ResourceStateDeleting       ResourceState = "DELETING"
	ResourceStateDeleted        ResourceState = "DELETED"
)

// Transition returns the state reached by applying action from s.
// The intermediate state is returned while the action is in flight;
// done selects the final state.
func (s ResourceState) Transition(action Action, done bool) (ResourceState, error) {
	switch action {
	case ActionSave:
		if s == ResourceStateDeleting {
			return s, fmt.Errorf("cannot save a resource while it is being deleted")
		}
		if done {
			return ResourceStateSaved, nil
		}
		return ResourceStateSaving, nil
	case ActionDelete:
		if s == ResourceStateSaving {
			return s, fmt.Errorf("cannot delete a resource while it is being saved")
		}
		if done {
			return ResourceStateDeleted, nil
		}
		return ResourceStateDeleting, nil
	default:
		return s, fmt.Errorf("invalid action: %s", action)
	}
}

// Phase identifies which backend lifecycle call produced a script.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseSave    Phase = "save"
	PhaseDelete  Phase = "delete"
	PhaseCommit  Phase = "commit"
)

// PhaseFor maps a resource action to its script phase.
func PhaseFor(action Action) Phase {
	if action == ActionDelete {
		return PhaseDelete
	}
	return PhaseSave
}

// StatementStatus is the execution outcome of one statement.
type StatementStatus string

const (
	StatementOK      StatementStatus = "ok"
	StatementFailed  StatementStatus = "failed"
	StatementSkipped StatementStatus = "skipped"
)

// OutcomeStatus is the outcome of one resource operation within a run.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeDenied    OutcomeStatus = "denied"
)
