package policy

import (
	"slices"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the
// operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated for every operation.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Rego is the module source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity of its violations.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the panel.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// Kinds limits the policy to these resource kinds. Empty means all.
	Kinds []string `json:"kinds,omitempty"`

	// Actions limits the policy to save or delete. Empty means both.
	Actions []string `json:"actions,omitempty"`
}

// AppliesTo reports whether the policy is evaluated for an operation of
// action on a resource of kind.
func (p *Policy) AppliesTo(kind, action string) bool {
	return scoped(p.Kinds, kind) && scoped(p.Actions, action)
}

func scoped(set []string, v string) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

// Limits are the configured bounds the built-in policies check against.
type Limits struct {
	MaxProcesses int `json:"max_processes"`
	MaxTimeout   int `json:"max_timeout"`
}

// Input is the document policies see as input.
type Input struct {
	Action     string         `json:"action"`
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Account    string         `json:"account"`
	Attributes map[string]any `json:"attributes"`
	Limits     Limits         `json:"limits"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy for one
// operation.
type Result struct {
	Allowed     bool          `json:"allowed"`
	Violations  []Violation   `json:"violations,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Evaluated   []string      `json:"evaluated"`
	Duration    time.Duration `json:"duration"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Blocking returns the violations that deny the operation.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
