package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// CommandID identifies a command for its whole lifetime.
type CommandID string

// NewCommandID returns a fresh random command ID.
func NewCommandID() CommandID {
	return CommandID(uuid.New().String())
}

// CommandOutput is the structured outcome of a single command attempt.
// A zero ReturnCode is the only success signal; missing output is not a failure.
type CommandOutput struct {
	// ReturnCode is the process exit status, or -1 when the action itself failed.
	ReturnCode int32 `json:"return_code"`

	// Stdout is the captured standard output, if any.
	Stdout []byte `json:"stdout,omitempty"`

	// Stderr is the captured standard error, if any.
	Stderr []byte `json:"stderr,omitempty"`
}

// ExceptionReturnCode is recorded when a command action returns an error instead of an output.
const ExceptionReturnCode int32 = -1

// ExceptionOutput returns the canonical output recorded for a failed action.
func ExceptionOutput() CommandOutput {
	return CommandOutput{ReturnCode: ExceptionReturnCode}
}

// Succeeded reports whether the output carries a zero return code.
func (o CommandOutput) Succeeded() bool {
	return o.ReturnCode == 0
}

// Command is a unit of work that can be run against a host.
//
// Implementations must be immutable once constructed. Two commands with
// identical fields but different IDs are different commands.
type Command interface {
	// ID returns the command's stable identity.
	ID() CommandID

	// IgnoreFailure reports whether a failed result lets the playbook continue.
	IgnoreFailure() bool

	// Retry returns the retry policy applied by the execution loop.
	Retry() backoff.Backoff

	// ExecutionTimeout bounds a single attempt. Zero means unbounded.
	ExecutionTimeout() time.Duration

	// Run performs one attempt against host. A returned error is recorded as
	// an action exception and retried like a non-zero return code.
	Run(ctx context.Context, host inventory.Host, logger zerolog.Logger) (CommandOutput, error)

	// String describes the command for logs and console output.
	String() string
}

// Kinded is implemented by commands that report a short kind name ("shell", "copy", ...).
type Kinded interface {
	Kind() string
}

// KindOf returns the command's kind, or "command" when it does not report one.
func KindOf(cmd Command) string {
	if k, ok := cmd.(Kinded); ok {
		return k.Kind()
	}
	return "command"
}

// CommandMeta carries the fields every command kind shares.
// Embed it in concrete commands to satisfy the metadata half of Command.
type CommandMeta struct {
	id            CommandID
	ignoreFailure bool
	retry         backoff.Backoff
	timeout       time.Duration
}

// MetaOption configures a CommandMeta.
type MetaOption func(*CommandMeta)

// WithID overrides the generated command ID.
func WithID(id CommandID) MetaOption {
	return func(m *CommandMeta) {
		if id != "" {
			m.id = id
		}
	}
}

// WithIgnoreFailure marks the command's failures as non-fatal.
func WithIgnoreFailure(ignore bool) MetaOption {
	return func(m *CommandMeta) {
		m.ignoreFailure = ignore
	}
}

// WithRetry sets the retry policy.
func WithRetry(b backoff.Backoff) MetaOption {
	return func(m *CommandMeta) {
		m.retry = backoff.New(b.MaxRetries, b.Strategy)
	}
}

// WithTimeout sets the per-attempt execution timeout.
func WithTimeout(d time.Duration) MetaOption {
	return func(m *CommandMeta) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewCommandMeta builds command metadata with a fresh ID and no retries.
func NewCommandMeta(opts ...MetaOption) CommandMeta {
	m := CommandMeta{
		id:    NewCommandID(),
		retry: backoff.Never,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// ID implements Command.
func (m CommandMeta) ID() CommandID { return m.id }

// IgnoreFailure implements Command.
func (m CommandMeta) IgnoreFailure() bool { return m.ignoreFailure }

// Retry implements Command.
func (m CommandMeta) Retry() backoff.Backoff { return m.retry }

// ExecutionTimeout implements Command.
func (m CommandMeta) ExecutionTimeout() time.Duration { return m.timeout }

// Describe renders the metadata fields for String implementations.
func (m CommandMeta) Describe() string {
	s := fmt.Sprintf("id=%s retry=[%s]", shortID(m.id), m.retry)
	if m.timeout > 0 {
		s += fmt.Sprintf(" timeout=%s", m.timeout)
	}
	if m.ignoreFailure {
		s += " ignore_failure"
	}
	return s
}

func shortID(id CommandID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}
