package engine

import (
	"time"
)

// Resource is a managed resource as seen by the orchestration core.
// Implementations carry typed, already validated options; the core only
// reads them.
type Resource interface {
	// Kind is the resource type tag, e.g. "webapp" or "list".
	Kind() string

	// Key uniquely identifies the resource, e.g. "webapp/blog".
	Key() string

	// AccountID is the owning account.
	AccountID() string

	// Attributes is the read-only view used by route predicates.
	Attributes() map[string]any
}

// Inventory gives backends access to the desired set of resources.
type Inventory interface {
	List(kind string) []Resource
}

// Operation is one requested change to a resource.
type Operation struct {
	Action   Action
	Resource Resource

	// State is the provisioning state of the resource before the batch,
	// as recorded in the inventory. Empty means NOT_PROVISIONED.
	State ResourceState
}

// From returns the state the operation starts from.
func (o Operation) From() ResourceState {
	if o.State == "" {
		return ResourceStateNotProvisioned
	}
	return o.State
}

// Unit is one accumulated script bound to its backend, host and phase.
// Prepare and commit units have no resource.
type Unit struct {
	// Backend is the backend that populated the script.
	Backend string `json:"backend"`

	// Host is the target host name.
	Host string `json:"host"`

	// Phase is the lifecycle call that produced the script.
	Phase Phase `json:"phase"`

	// Resource is the key of the resource for save/delete units.
	Resource string `json:"resource,omitempty"`

	// Kind is the resource kind for save/delete units.
	Kind string `json:"kind,omitempty"`

	// Action is the resource action for save/delete units.
	Action Action `json:"action,omitempty"`

	// Script holds the accumulated statements.
	Script *Script `json:"-"`

	op    Operation
	order int
}

// Name returns a stable identifier for the unit, used for script snapshots.
func (u *Unit) Name() string {
	if u.Resource == "" {
		return u.Backend + "@" + u.Host + ":" + string(u.Phase)
	}
	return u.Backend + "@" + u.Host + ":" + u.Resource
}

// Group is the set of units for one (backend, host) pair within a batch.
type Group struct {
	Backend string
	Host    string
	Prepare *Unit
	Units   []*Unit
	Commit  *Unit
}

// Plan is the result of routing and accumulating a batch without executing it.
type Plan struct {
	// BatchID identifies the batch on every host.
	BatchID string

	// Groups are the (backend, host) groups in first-seen order.
	Groups []*Group

	// Rejected holds resources that never reached a backend: policy
	// denials, configuration errors and unmatched resources.
	Rejected []*ResourceResult

	// CreatedAt is when the plan was built.
	CreatedAt time.Time
}

// Units returns every unit of the plan in execution order per group.
func (p *Plan) Units() []*Unit {
	var units []*Unit
	for _, g := range p.Groups {
		if g.Prepare != nil {
			units = append(units, g.Prepare)
		}
		units = append(units, g.Units...)
		if g.Commit != nil {
			units = append(units, g.Commit)
		}
	}
	return units
}

// ResourceResult is the outcome of one operation on one backend/host.
type ResourceResult struct {
	// Resource is the resource key.
	Resource string `json:"resource"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// Action is the requested action.
	Action Action `json:"action"`

	// Backend and Host identify where the operation ran, if it was routed.
	Backend string `json:"backend,omitempty"`
	Host    string `json:"host,omitempty"`

	// Status is the outcome.
	Status OutcomeStatus `json:"status"`

	// State is the provisioning state reached.
	State ResourceState `json:"state"`

	// Class is the error class for failures.
	Class ErrorClass `json:"class,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`

	// Statements holds per-statement results for executed scripts.
	Statements []StatementResult `json:"statements,omitempty"`

	order int
}

// Run is the report of an executed batch.
type Run struct {
	// ID is the batch identifier.
	ID string `json:"id"`

	// Status is the overall outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the execution time.
	Duration time.Duration `json:"duration"`

	// Results are per-resource outcomes.
	Results []*ResourceResult `json:"results"`

	// Commits are the prepare/commit script results per group.
	Commits []*ScriptResult `json:"commits,omitempty"`

	// SharedActions counts shared actions fired, by service.
	SharedActions map[string]int `json:"shared_actions,omitempty"`

	// Errors are batch-level failures, such as exhausted coordination locks.
	Errors []string `json:"errors,omitempty"`

	// Summary holds aggregate counts.
	Summary RunSummary `json:"summary"`
}

// RunSummary contains aggregate statistics for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Denied    int `json:"denied"`
}

// Failed returns the results that did not succeed, so an operator can
// re-run only that subset.
func (r *Run) Failed() []*ResourceResult {
	var out []*ResourceResult
	for _, res := range r.Results {
		if res.Status == OutcomeFailed || res.Status == OutcomeDenied {
			out = append(out, res)
		}
	}
	return out
}

func (r *Run) summarize() {
	s := RunSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeDenied:
			s.Denied++
		}
	}
	r.Summary = s

	commitFailed := false
	for _, c := range r.Commits {
		if c.Failed() {
			commitFailed = true
		}
	}

	switch {
	case len(r.Errors) > 0:
		r.Status = RunStatusFailed
	case s.Failed == 0 && s.Denied == 0 && !commitFailed:
		r.Status = RunStatusSucceeded
	case s.Succeeded > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
}
