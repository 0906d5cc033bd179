package engine

import (
	"context"
	"fmt"
	"strings"
)

// StatementKind tags a Statement.
type StatementKind int

const (
	// StatementLiteral is shell text executed on the host.
	StatementLiteral StatementKind = iota

	// StatementCall is an in-process function invoked at execution time.
	StatementCall
)

// String implements fmt.Stringer.
func (k StatementKind) String() string {
	if k == StatementCall {
		return "call"
	}
	return "literal"
}

// RemoteFunc is a deferred provisioning step, e.g. an HTTP call.
type RemoteFunc func(ctx context.Context, args ...any) error

// Statement is either Literal(text) or RemoteCall(fn, args).
type Statement struct {
	// Kind selects which of the fields below are set.
	Kind StatementKind

	// Text is the shell text of a literal.
	Text string

	// Tolerate lists non-zero exit codes treated as success for a literal.
	Tolerate []int

	// Always runs the statement even after an earlier one failed.
	Always bool

	// Name describes a call for logs and plans.
	Name string

	// Func is the function of a call.
	Func RemoteFunc

	// Args are bound to Func at append time.
	Args []any
}

// Script accumulates statements for one unit. Nothing is executed while
// appending; order is preserved exactly.
type Script struct {
	statements []Statement
}

// NewScript returns an empty script.
func NewScript() *Script {
	return &Script{}
}

// Append adds a literal shell block.
func (s *Script) Append(text string) {
	s.statements = append(s.statements, Statement{Kind: StatementLiteral, Text: text})
}

// Appendf adds a formatted literal shell block.
func (s *Script) Appendf(format string, args ...any) {
	s.Append(fmt.Sprintf(format, args...))
}

// AppendTolerant adds a literal whose listed exit codes are not failures.
func (s *Script) AppendTolerant(text string, codes ...int) {
	s.statements = append(s.statements, Statement{
		Kind:     StatementLiteral,
		Text:     text,
		Tolerate: append([]int(nil), codes...),
	})
}

// AppendFinally adds a literal that runs even when an earlier statement of
// the script failed. It runs as its own program.
func (s *Script) AppendFinally(text string) {
	s.statements = append(s.statements, Statement{Kind: StatementLiteral, Text: text, Always: true})
}

// AppendCall adds a deferred call bound to args.
func (s *Script) AppendCall(name string, fn RemoteFunc, args ...any) {
	s.statements = append(s.statements, Statement{
		Kind: StatementCall,
		Name: name,
		Func: fn,
		Args: append([]any(nil), args...),
	})
}

// Statements returns a copy of the statements in append order.
func (s *Script) Statements() []Statement {
	return append([]Statement(nil), s.statements...)
}

// Len returns the number of statements.
func (s *Script) Len() int {
	return len(s.statements)
}

// Empty reports whether the script has no statements.
func (s *Script) Empty() bool {
	return len(s.statements) == 0
}

// Text renders the script for display. Calls are shown as comments.
func (s *Script) Text() string {
	var b strings.Builder
	for _, st := range s.statements {
		switch st.Kind {
		case StatementCall:
			fmt.Fprintf(&b, "# call %s%v\n", st.Name, st.Args)
		default:
			b.WriteString(strings.TrimRight(st.Text, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}
