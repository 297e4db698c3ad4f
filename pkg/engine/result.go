package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// CommandExecutionResult records the outcome of running one command against one host,
// including every retried attempt. It is produced once per execution sequence.
type CommandExecutionResult struct {
	// Command is the command that was run.
	Command Command `json:"-"`

	// Host is the target the command ran on.
	Host inventory.Host `json:"host"`

	// PlaybookID is the owning playbook, empty for direct runs.
	PlaybookID PlaybookID `json:"playbook_id,omitempty"`

	// Output is the output of the last attempt.
	Output CommandOutput `json:"output"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at"`

	// Duration spans the first attempt's start to the last attempt's end.
	Duration time.Duration `json:"duration"`

	// Retries is the number of attempts after the first.
	Retries int `json:"retries"`

	// Exception is the error raised by the last attempt's action, if any.
	Exception error `json:"-"`
}

// Failed reports whether the command ended with a non-zero return code or an exception.
func (r CommandExecutionResult) Failed() bool {
	return r.Exception != nil || r.Output.ReturnCode != 0
}

// RepresentsFailure reports whether the result should halt its playbook.
// Failures of commands that ignore failure do not.
func (r CommandExecutionResult) RepresentsFailure() bool {
	if !r.Failed() {
		return false
	}
	return r.Command == nil || !r.Command.IgnoreFailure()
}

// FinishedAt returns the end of the execution window.
func (r CommandExecutionResult) FinishedAt() time.Time {
	return r.StartedAt.Add(r.Duration)
}

// CommandID returns the ID of the executed command.
func (r CommandExecutionResult) CommandID() CommandID {
	if r.Command == nil {
		return ""
	}
	return r.Command.ID()
}

// Status returns "success", "ignored" or "failed".
func (r CommandExecutionResult) Status() string {
	switch {
	case !r.Failed():
		return "success"
	case !r.RepresentsFailure():
		return "ignored"
	default:
		return "failed"
	}
}

// DetailLevel selects how much of a result ConsoleOutput renders.
type DetailLevel int

const (
	// DetailSilent renders nothing.
	DetailSilent DetailLevel = iota

	// DetailNormal renders one line per result.
	DetailNormal

	// DetailVerbose adds standard output, and standard error on failure.
	DetailVerbose

	// DetailDebug adds timing, retries, identifiers and the exception.
	DetailDebug
)

// String returns the level name.
func (l DetailLevel) String() string {
	switch l {
	case DetailSilent:
		return "silent"
	case DetailNormal:
		return "normal"
	case DetailVerbose:
		return "verbose"
	case DetailDebug:
		return "debug"
	default:
		return fmt.Sprintf("DetailLevel(%d)", int(l))
	}
}

// ParseDetailLevel parses a level name.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "quiet":
		return DetailSilent, nil
	case "", "normal":
		return DetailNormal, nil
	case "verbose":
		return DetailVerbose, nil
	case "debug":
		return DetailDebug, nil
	default:
		return DetailNormal, NewPermanentError(fmt.Sprintf("unknown detail level %q", s), nil).
			WithCode(ErrCodeValidation)
	}
}

// ConsoleOutput formats the result for a terminal at the given detail level.
func (r CommandExecutionResult) ConsoleOutput(level DetailLevel, emoji bool) string {
	if level <= DetailSilent {
		return ""
	}

	var b strings.Builder

	if emoji {
		switch r.Status() {
		case "success":
			b.WriteString("✅ ")
		case "ignored":
			b.WriteString("⚠️ ")
		default:
			b.WriteString("❌ ")
		}
	}

	desc := "<nil command>"
	if r.Command != nil {
		desc = r.Command.String()
	}
	fmt.Fprintf(&b, "[%s] %s: %s (rc=%d)", r.Host, desc, r.Status(), r.Output.ReturnCode)

	if level >= DetailDebug {
		fmt.Fprintf(&b, "\n  duration: %s\n  retries: %d\n  command_id: %s",
			r.Duration.Round(time.Millisecond), r.Retries, r.CommandID())
		if r.PlaybookID != "" {
			fmt.Fprintf(&b, "\n  playbook_id: %s", r.PlaybookID)
		}
	}

	if level >= DetailVerbose {
		if out := strings.TrimRight(string(r.Output.Stdout), "\n"); out != "" {
			b.WriteString("\n  stdout:\n")
			b.WriteString(indent(out, "    "))
		}
		if r.Failed() || level >= DetailDebug {
			if errOut := strings.TrimRight(string(r.Output.Stderr), "\n"); errOut != "" {
				b.WriteString("\n  stderr:\n")
				b.WriteString(indent(errOut, "    "))
			}
		}
	}

	if level >= DetailDebug && r.Exception != nil {
		fmt.Fprintf(&b, "\n  exception: %v", r.Exception)
	}

	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
