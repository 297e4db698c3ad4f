package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// signalGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const signalGrace = 100 * time.Millisecond

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Exec runs cmd in a new session. env entries are exported before cmd runs,
// since most servers reject session Setenv requests.
func (c *Client) Exec(ctx context.Context, cmd string, env map[string]string) (ExecResult, error) {
	startTime := time.Now()

	finalCmd, err := withEnv(cmd, env)
	if err != nil {
		return ExecResult{}, &TransportError{Op: "exec", Err: err}
	}

	client, err := c.getClient()
	if err != nil {
		return ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-doneChan:
		case <-time.After(signalGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		return ExecResult{}, &TransportError{Op: "exec", Err: ctx.Err()}
	case execErr = <-doneChan:
	}

	result := ExecResult{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		Duration: time.Since(startTime),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		// ExitMissingError and connection failures leave the outcome unknown.
		return result, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}

	return result, nil
}

func withEnv(cmd string, env map[string]string) (string, error) {
	if len(env) == 0 {
		return cmd, nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}
	b.WriteString(cmd)
	return b.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
