package engine

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func execute(t *testing.T, sh Shell, s *Script) *ScriptResult {
	t.Helper()
	unit := &Unit{Backend: "test", Host: "local", Phase: PhaseSave, Resource: "webapp/blog", Script: s}
	return NewScriptExecutor().Execute(context.Background(), sh, unit)
}

func TestExecutorLiteralsShareState(t *testing.T) {
	requireBash(t)

	s := NewScript()
	s.Append("x=42")
	s.Append(`[ "$x" = 42 ]`)
	s.Append("echo value=$x")

	res := execute(t, NewLocalShell(), s)
	require.NoError(t, res.Err)
	assert.Contains(t, res.Stdout, "value=42")
	for _, st := range res.Statements {
		assert.Equal(t, StatementOK, st.Status)
	}
}

func TestExecutorAttributesFailure(t *testing.T) {
	requireBash(t)

	s := NewScript()
	s.Append("echo first")
	s.Append("echo broken >&2; false")
	s.Append("echo never")

	res := execute(t, NewLocalShell(), s)
	require.Error(t, res.Err)
	assert.True(t, IsExecution(res.Err))
	assert.NotContains(t, res.Stdout, "never")

	assert.Equal(t, StatementOK, res.Statements[0].Status)
	assert.Equal(t, StatementFailed, res.Statements[1].Status)
	assert.Equal(t, 1, res.Statements[1].ExitCode)
	assert.Equal(t, "broken", res.Statements[1].Error)
	assert.Equal(t, StatementSkipped, res.Statements[2].Status)
}

func TestExecutorFinallyRunsAfterFailure(t *testing.T) {
	requireBash(t)

	s := NewScript()
	s.Append("echo broken >&2; false")
	s.Append("echo never")
	s.AppendFinally("echo always")
	s.AppendFinally("exit 4")

	res := execute(t, NewLocalShell(), s)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "statement 0 exited with status 1")
	assert.NotContains(t, res.Stdout, "never")
	assert.Contains(t, res.Stdout, "always")

	assert.Equal(t, StatementFailed, res.Statements[0].Status)
	assert.Equal(t, StatementSkipped, res.Statements[1].Status)
	assert.Equal(t, StatementOK, res.Statements[2].Status)
	assert.Equal(t, StatementFailed, res.Statements[3].Status)
	assert.Equal(t, 4, res.Statements[3].ExitCode)
}

func TestExecutorToleratedExitCodes(t *testing.T) {
	requireBash(t)

	s := NewScript()
	s.AppendTolerant("bash -c 'exit 3'", 1, 3)
	s.AppendTolerant("bash -c 'exit 2'", 1)

	res := execute(t, NewLocalShell(), s)
	require.Error(t, res.Err)
	assert.Equal(t, StatementOK, res.Statements[0].Status)
	assert.Equal(t, StatementFailed, res.Statements[1].Status)
	assert.Equal(t, 2, res.Statements[1].ExitCode)
}

func TestExecutorLockBusyIsContention(t *testing.T) {
	requireBash(t)

	s := NewScript()
	s.Append("exit 75")

	res := execute(t, NewLocalShell(), s)
	require.Error(t, res.Err)
	assert.True(t, IsContention(res.Err))
	assert.True(t, IsRetryable(res.Err))
}

func TestExecutorCallsAndSignals(t *testing.T) {
	sh := newFakeShell()
	sh.stdout["first"] = SignalPrefix + "shared:apache2\n"

	var calls []any
	s := NewScript()
	s.Append("echo first")
	s.AppendCall("webhook", func(_ context.Context, args ...any) error {
		calls = append(calls, args...)
		return nil
	}, "blog")
	s.Append("echo second")

	res := execute(t, sh, s)
	require.NoError(t, res.Err)
	assert.Equal(t, []any{"blog"}, calls)
	assert.Equal(t, []string{"shared:apache2"}, res.Signals)
	assert.Len(t, sh.Programs(), 2)
}

func TestExecutorCallFailureStopsScript(t *testing.T) {
	sh := newFakeShell()

	s := NewScript()
	s.AppendCall("webhook", func(context.Context, ...any) error { return errors.New("503") })
	s.Append("echo after")

	res := execute(t, sh, s)
	require.Error(t, res.Err)
	assert.True(t, IsExecution(res.Err))
	assert.Equal(t, StatementFailed, res.Statements[0].Status)
	assert.Equal(t, StatementSkipped, res.Statements[1].Status)
	assert.Empty(t, sh.Programs())
}

func TestExecutorTransportFailure(t *testing.T) {
	sh := newFakeShell()
	sh.err = errors.New("connection reset")

	s := NewScript()
	s.Append("true")

	res := execute(t, sh, s)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, &Error{Class: ErrorClassExecution, Code: ErrCodeTransport})
}

func TestBuildProgramWrapsTolerated(t *testing.T) {
	prog := BuildProgram([]Statement{
		{Kind: StatementLiteral, Text: "a"},
		{Kind: StatementLiteral, Text: "b", Tolerate: []int{1}},
	})
	assert.Contains(t, prog, "set -Eeo pipefail\n")
	assert.Contains(t, prog, "__hp_stmt=1\n__hp_rc=0\n{\nb\n} || __hp_rc=$?\n")
	assert.Contains(t, prog, `case " 1 " in`)
}
