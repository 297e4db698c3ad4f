package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlaybookFile is the on-disk form of a playbook.
type PlaybookFile struct {
	// Name labels the playbook in logs and the journal.
	Name string `json:"name,omitempty"`

	// Hosts are host strings of the form [user@]address[:port]. A file must
	// name at least one.
	Hosts []string `json:"hosts" validate:"required,min=1,dive,required"`

	// Vars are passed to every script command.
	Vars map[string]interface{} `json:"vars,omitempty"`

	// Commands run on every host in declared order.
	Commands []CommandSpec `json:"commands" validate:"dive"`
}

// CommandSpec declares one command. Exactly one action field is set.
type CommandSpec struct {
	// ID fixes the command ID; a fresh one is generated when empty.
	ID string `json:"id,omitempty" validate:"omitempty,max=128"`

	// Shell is an argv list, or a single string run with sh -c.
	Shell ShellArgs `json:"shell,omitempty"`

	// Env is exported for shell commands.
	Env map[string]string `json:"env,omitempty"`

	Copy  *CopySpec  `json:"copy,omitempty"`
	Fetch *FetchSpec `json:"fetch,omitempty"`

	VerifyAccess bool `json:"verify_access,omitempty"`

	// Script is a Starlark program.
	Script string `json:"script,omitempty"`

	IgnoreFailure bool       `json:"ignore_failure,omitempty"`
	Timeout       Duration   `json:"timeout,omitempty" validate:"gte=0"`
	Retry         *RetrySpec `json:"retry,omitempty"`
}

// CopySpec copies a local file to each host.
type CopySpec struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// FetchSpec downloads a URL and copies it to each host.
type FetchSpec struct {
	URL string `json:"url" validate:"required,url"`
	To  string `json:"to" validate:"required"`
}

// RetrySpec is the retry policy of a command.
type RetrySpec struct {
	MaxRetries int      `json:"max_retries" validate:"gte=0,lte=1000"`
	Strategy   string   `json:"strategy,omitempty" validate:"omitempty,oneof=none constant linear fibonacci exponential"`
	Delay      Duration `json:"delay,omitempty" validate:"gte=0"`
	Increment  Duration `json:"increment,omitempty" validate:"gte=0"`
	MaxDelay   Duration `json:"max_delay,omitempty" validate:"gte=0"`
}

// Action returns the name of the single action set on the command, or "" when
// none or several are set.
func (c CommandSpec) Action() string {
	var actions []string
	if len(c.Shell) > 0 {
		actions = append(actions, "shell")
	}
	if c.Copy != nil {
		actions = append(actions, "copy")
	}
	if c.Fetch != nil {
		actions = append(actions, "fetch")
	}
	if c.VerifyAccess {
		actions = append(actions, "verify_access")
	}
	if c.Script != "" {
		actions = append(actions, "script")
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// ShellArgs accepts either a JSON list of strings or a single command line.
type ShellArgs []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ShellArgs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var line string
		if err := json.Unmarshal(data, &line); err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			*s = nil
			return nil
		}
		*s = ShellArgs{"sh", "-c", line}
		return nil
	}

	var args []string
	if err := json.Unmarshal(data, &args); err != nil {
		return fmt.Errorf("shell must be a string or a list of strings: %w", err)
	}
	*s = args
	return nil
}

// Duration is a time.Duration written as "1m30s" or a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "commands[2].retry.strategy").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a playbook file is malformed.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.String()
	}
	return "invalid playbook: " + strings.Join(msgs, "; ")
}
