// Package local runs commands as subprocesses of the engine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
)

// Shell starts subprocesses on the local machine.
type Shell struct {
	logger zerolog.Logger

	// WaitDelay bounds how long a cancelled subprocess may keep its pipes open.
	WaitDelay time.Duration
}

// NewShell creates a local subprocess runner.
func NewShell(logger zerolog.Logger) *Shell {
	return &Shell{
		logger:    logger.With().Str("component", "local-shell").Logger(),
		WaitDelay: time.Second,
	}
}

// Run executes args[0] with the remaining args. A non-zero exit is reported
// in the output; an error means the process could not be started or was
// killed because ctx ended.
func (s *Shell) Run(ctx context.Context, args []string, stdin []byte, env map[string]string) (engine.CommandOutput, error) {
	if len(args) == 0 {
		return engine.CommandOutput{}, errors.New("local: empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = s.WaitDelay
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	s.logger.Debug().
		Strs("args", args).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Local command finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.CommandOutput{}, fmt.Errorf("local: %s: %w", args[0], ctxErr)
	}

	out := engine.CommandOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ReturnCode = int32(exitErr.ExitCode())
			return out, nil
		}
		return engine.CommandOutput{}, fmt.Errorf("local: %s: %w", args[0], err)
	}
	return out, nil
}
