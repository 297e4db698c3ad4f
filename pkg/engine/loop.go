package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

const tracerName = "github.com/openfroyo/froyoplay/pkg/engine"

// RunCommand runs cmd against host until it succeeds or its retry budget is spent.
//
// It never returns an error: action failures, timeouts and cancellation of a
// retry wait are all recorded in the result. Retries counts the attempts after
// the first.
func RunCommand(ctx context.Context, cmd Command, host inventory.Host, logger zerolog.Logger) CommandExecutionResult {
	return runCommand(ctx, cmd, host, "", logger)
}

func runCommand(
	ctx context.Context,
	cmd Command,
	host inventory.Host,
	playbookID PlaybookID,
	logger zerolog.Logger,
) CommandExecutionResult {
	logger = logger.With().
		Str("host", host.String()).
		Str("command_id", string(cmd.ID())).
		Logger()
	if playbookID != "" {
		logger = logger.With().Str("playbook_id", string(playbookID)).Logger()
	}

	retry := cmd.Retry()
	started := time.Now()

	var (
		output    CommandOutput
		exception error
		attempt   = -1
	)

	for {
		attempt++

		output, exception = runAttempt(ctx, cmd, host, playbookID, attempt, logger)
		if exception == nil && output.Succeeded() {
			logger.Debug().Int("attempt", attempt).Msg("Command succeeded")
			break
		}

		if !retry.Allows(attempt) {
			logger.Debug().
				Int("attempt", attempt).
				Int32("return_code", output.ReturnCode).
				Msg("Command failed, retries exhausted")
			break
		}

		delay := retry.Delay(attempt, true)
		logger.Debug().
			Int("attempt", attempt).
			Int32("return_code", output.ReturnCode).
			Err(exception).
			Dur("delay", delay).
			Msg("Command failed, retrying")

		if err := sleepWithContext(ctx, delay); err != nil {
			exception = NewPermanentError("retry wait cancelled", err).
				WithCode(ErrCodeCancelled).
				WithHost(host.String()).
				WithOperation(cmd.String())
			break
		}
	}

	return CommandExecutionResult{
		Command:    cmd,
		Host:       host,
		PlaybookID: playbookID,
		Output:     output,
		StartedAt:  started,
		Duration:   time.Since(started),
		Retries:    attempt,
		Exception:  exception,
	}
}

// runAttempt performs a single attempt, bounded by the command's execution timeout.
func runAttempt(
	ctx context.Context,
	cmd Command,
	host inventory.Host,
	playbookID PlaybookID,
	attempt int,
	logger zerolog.Logger,
) (output CommandOutput, exception error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "command.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.id", string(cmd.ID())),
		attribute.String("command.kind", KindOf(cmd)),
		attribute.String("host", host.String()),
		attribute.String("playbook.id", string(playbookID)),
		attribute.Int("attempt", attempt),
	)

	if timeout := cmd.ExecutionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			output = ExceptionOutput()
			exception = NewTransientError(fmt.Sprintf("command action panicked: %v", r), nil).
				WithCode(ErrCodeActionFailed).
				WithHost(host.String())
		}
		if exception != nil {
			span.RecordError(exception)
			span.SetStatus(codes.Error, exception.Error())
		} else if !output.Succeeded() {
			span.SetStatus(codes.Error, fmt.Sprintf("return code %d", output.ReturnCode))
		}
		span.SetAttributes(attribute.Int("return_code", int(output.ReturnCode)))
	}()

	attemptLogger := logger.With().Int("attempt", attempt).Logger()
	out, err := cmd.Run(ctx, host, attemptLogger)
	if err != nil {
		// A timed-out attempt surfaces as a deadline error from the action.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", err, ctxErr)
		}
		return ExceptionOutput(), classifyActionError(err, host.String())
	}
	return out, nil
}

// sleepWithContext waits for d or until ctx is done, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
