package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// LocalShell runs programs with the local bash.
type LocalShell struct {
	// Bash is the interpreter path.
	Bash string

	// Env is appended to the inherited environment.
	Env []string
}

// NewLocalShell returns a shell using bash from PATH.
func NewLocalShell() *LocalShell {
	return &LocalShell{Bash: "bash"}
}

// Run implements Shell.
func (s *LocalShell) Run(ctx context.Context, program string) (*ShellResult, error) {
	cmd := exec.CommandContext(ctx, s.Bash, "-s")
	cmd.Stdin = strings.NewReader(program)
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}
