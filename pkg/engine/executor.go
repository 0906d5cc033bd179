package engine

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ShellResult is the outcome of one shell program.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell runs a bash program on a host. A returned error means the program
// could not be run or its status is unknown; a non-zero exit is reported
// through ShellResult.
type Shell interface {
	Run(ctx context.Context, program string) (*ShellResult, error)
}

// StatementResult is the outcome of one statement.
type StatementResult struct {
	Index    int             `json:"index"`
	Kind     string          `json:"kind"`
	Status   StatementStatus `json:"status"`
	ExitCode int             `json:"exit_code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ScriptResult is the outcome of executing one unit.
type ScriptResult struct {
	Unit       *Unit             `json:"unit"`
	Statements []StatementResult `json:"statements"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Signals    []string          `json:"signals,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Err        error             `json:"-"`
}

// Failed reports whether any statement failed.
func (r *ScriptResult) Failed() bool {
	return r.Err != nil
}

// Executor runs accumulated scripts.
type Executor interface {
	Execute(ctx context.Context, shell Shell, unit *Unit) *ScriptResult
}

var failureLine = regexp.MustCompile(`(?m)^hostpanel: statement (\d+) failed with status (\d+)$`)

// ScriptExecutor dispatches statements on their tag: consecutive literals
// run as one bash program, calls run in-process. The first failure aborts
// the rest of the script except statements marked Always; nothing is
// rolled back. The first failure is the error of the result.
type ScriptExecutor struct{}

// NewScriptExecutor creates a script executor.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{}
}

// Execute runs unit on shell.
func (e *ScriptExecutor) Execute(ctx context.Context, shell Shell, unit *Unit) *ScriptResult {
	start := time.Now()
	stmts := unit.Script.Statements()
	res := &ScriptResult{Unit: unit, Statements: make([]StatementResult, len(stmts))}
	for i, st := range stmts {
		res.Statements[i] = StatementResult{Index: i, Kind: st.Kind.String(), Status: StatementSkipped}
	}

	for i := 0; i < len(stmts); {
		if res.Err != nil && !stmts[i].Always {
			i++
			continue
		}
		var err error
		if stmts[i].Kind == StatementCall {
			err = e.call(ctx, res, i, stmts[i])
			i++
		} else {
			j := i + 1
			for !stmts[i].Always && j < len(stmts) && stmts[j].Kind == StatementLiteral && !stmts[j].Always {
				j++
			}
			err = e.shell(ctx, shell, res, i, stmts[i:j])
			i = j
		}
		if err != nil && res.Err == nil {
			res.Err = err
		}
	}

	res.Duration = time.Since(start)
	return res
}

func (e *ScriptExecutor) call(ctx context.Context, res *ScriptResult, idx int, st Statement) error {
	log.Debug().
		Str("unit", res.Unit.Name()).
		Str("call", st.Name).
		Msg("Invoking remote call")

	if err := st.Func(ctx, st.Args...); err != nil {
		res.Statements[idx].Status = StatementFailed
		res.Statements[idx].Error = err.Error()
		return NewExecutionError(fmt.Sprintf("call %s failed", st.Name), err).
			WithBackend(res.Unit.Backend).
			WithResource(res.Unit.Resource).
			WithHost(res.Unit.Host)
	}
	res.Statements[idx].Status = StatementOK
	return nil
}

func (e *ScriptExecutor) shell(ctx context.Context, shell Shell, res *ScriptResult, offset int, stmts []Statement) error {
	program := BuildProgram(stmts)

	out, err := shell.Run(ctx, program)
	if out != nil {
		res.Stdout += out.Stdout
		res.Stderr += out.Stderr
		res.Signals = append(res.Signals, parseSignals(out.Stdout)...)
	}
	if err != nil {
		for k := range stmts {
			res.Statements[offset+k].Status = StatementFailed
			res.Statements[offset+k].Error = err.Error()
		}
		return NewExecutionError("shell transport failed", err).
			WithCode(ErrCodeTransport).
			WithBackend(res.Unit.Backend).
			WithResource(res.Unit.Resource).
			WithHost(res.Unit.Host)
	}

	if out.ExitCode == 0 {
		for k := range stmts {
			res.Statements[offset+k].Status = StatementOK
		}
		return nil
	}

	failed, code := attributeFailure(out.Stderr, out.ExitCode)
	if failed < 0 || failed >= len(stmts) {
		failed = 0
	}
	for k := 0; k < failed; k++ {
		res.Statements[offset+k].Status = StatementOK
	}
	sr := &res.Statements[offset+failed]
	sr.Status = StatementFailed
	sr.ExitCode = code
	sr.Error = lastLine(out.Stderr)

	msg := fmt.Sprintf("statement %d exited with status %d", offset+failed, code)
	var execErr *Error
	if code == ExitLockBusy {
		execErr = NewContentionError(msg, nil)
	} else {
		execErr = NewExecutionError(msg, nil)
	}
	return execErr.WithBackend(res.Unit.Backend).WithResource(res.Unit.Resource).WithHost(res.Unit.Host)
}

// BuildProgram renders literals into one bash program. Each statement is
// preceded by its index so a failing statement can be attributed.
func BuildProgram(stmts []Statement) string {
	var b strings.Builder
	b.WriteString("set -Eeo pipefail\n")
	b.WriteString("__hp_stmt=0\n")
	b.WriteString(`trap '__hp_rc=$?; if [ "$__hp_rc" -ne 0 ]; then echo "hostpanel: statement ${__hp_stmt} failed with status ${__hp_rc}" >&2; fi' EXIT` + "\n")
	for i, st := range stmts {
		fmt.Fprintf(&b, "__hp_stmt=%d\n", i)
		text := strings.TrimRight(st.Text, "\n")
		if len(st.Tolerate) == 0 {
			b.WriteString(text)
			b.WriteString("\n")
			continue
		}
		codes := make([]string, len(st.Tolerate))
		for k, c := range st.Tolerate {
			codes[k] = strconv.Itoa(c)
		}
		fmt.Fprintf(&b, "__hp_rc=0\n{\n%s\n} || __hp_rc=$?\n", text)
		fmt.Fprintf(&b, "case \" %s \" in *\" $__hp_rc \"*) __hp_rc=0 ;; esac\n", strings.Join(codes, " "))
		b.WriteString("[ \"$__hp_rc\" -eq 0 ] || exit \"$__hp_rc\"\n")
	}
	return b.String()
}

func attributeFailure(stderr string, exitCode int) (int, int) {
	matches := failureLine.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return -1, exitCode
	}
	last := matches[len(matches)-1]
	idx, _ := strconv.Atoi(last[1])
	code, _ := strconv.Atoi(last[2])
	return idx, code
}

func parseSignals(stdout string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		if sig, ok := strings.CutPrefix(sc.Text(), SignalPrefix); ok {
			out = append(out, strings.TrimSpace(sig))
		}
	}
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" && !failureLine.MatchString(l) {
			return l
		}
	}
	return ""
}
