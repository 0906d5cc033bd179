package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

var (
	_ engine.Shell       = (*Client)(nil)
	_ engine.MarkerStore = (*Client)(nil)
)

// killGrace is how long a cancelled program gets between TERM and KILL.
const killGrace = 100 * time.Millisecond

// Run implements engine.Shell. The program is fed to bash on stdin. A
// non-zero exit is reported in the result; an error means the program's
// outcome is unknown.
func (c *Client) Run(ctx context.Context, program string) (*engine.ShellResult, error) {
	startTime := time.Now()

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = strings.NewReader(program)

	cmd := "bash -s"
	if c.config.Sudo {
		cmd = "sudo -n bash -s"
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(killGrace)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	res := &engine.ShellResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	log.Debug().
		Str("host", c.config.Host).
		Int("program_len", len(program)).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("program completed")

	if execErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, &TransportError{Op: "exec", Err: ctx.Err()}
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	// The connection dropped or the remote side closed without a status.
	return res, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
}

// Dialer returns an engine.Dialer that connects to hosts with base as the
// shared connection settings.
func Dialer(base Config) engine.Dialer {
	return func(ctx context.Context, h *engine.Host) (engine.Shell, error) {
		client, err := Dial(ctx, h, base)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Dial connects to h.
func Dial(ctx context.Context, h *engine.Host, base Config) (*Client, error) {
	client, err := NewClient(ConfigFromHost(h, base))
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", h.Name, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("host %s: %w", h.Name, err)
	}
	return client, nil
}
