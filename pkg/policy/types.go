package policy

import (
	"time"

	"github.com/openfroyo/froyoplay/pkg/commands"
	"github.com/openfroyo/froyoplay/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block admission.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block admission.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the playbook.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must define
// a deny set of strings or objects with message, severity and command keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the severity of the violation.
	Severity Severity `json:"severity"`

	// Command is the offending command ID, if any.
	Command string `json:"command,omitempty"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Blocking returns the violations that reject the playbook.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Playbook PlaybookInput `json:"playbook"`
	Context  InputContext  `json:"context"`
}

// InputContext describes the evaluation.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// PlaybookInput is the policy view of a playbook.
type PlaybookInput struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Hosts    []HostInput    `json:"hosts"`
	Commands []CommandInput `json:"commands"`
}

// HostInput is the policy view of a host.
type HostInput struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Local   bool   `json:"local"`
}

// CommandInput is the policy view of a command. Kind-specific fields are
// empty for other kinds.
type CommandInput struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Description    string   `json:"description"`
	IgnoreFailure  bool     `json:"ignore_failure"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"`
	Strategy       string   `json:"strategy"`
	Args           []string `json:"args,omitempty"`
	Line           string   `json:"line,omitempty"`
	From           string   `json:"from,omitempty"`
	To             string   `json:"to,omitempty"`
	URL            string   `json:"url,omitempty"`
	Script         string   `json:"script,omitempty"`
}

// NewInput builds the policy input for a playbook.
func NewInput(pb engine.Playbook, operation string) Input {
	in := Input{
		Playbook: PlaybookInput{
			ID:       string(pb.ID),
			Name:     pb.Name,
			Hosts:    make([]HostInput, 0, len(pb.Hosts)),
			Commands: make([]CommandInput, 0, len(pb.Commands)),
		},
		Context: InputContext{Timestamp: time.Now(), Operation: operation},
	}

	for _, h := range pb.Hosts {
		in.Playbook.Hosts = append(in.Playbook.Hosts, HostInput{
			Name:    h.Name,
			Address: h.Address,
			Port:    h.Port,
			User:    h.User,
			Local:   h.IsLocal(),
		})
	}
	for _, cmd := range pb.Commands {
		if cmd != nil {
			in.Playbook.Commands = append(in.Playbook.Commands, commandInput(cmd))
		}
	}
	return in
}

func commandInput(cmd engine.Command) CommandInput {
	retry := cmd.Retry()
	ci := CommandInput{
		ID:             string(cmd.ID()),
		Kind:           engine.KindOf(cmd),
		Description:    cmd.String(),
		IgnoreFailure:  cmd.IgnoreFailure(),
		TimeoutSeconds: cmd.ExecutionTimeout().Seconds(),
		MaxRetries:     retry.MaxRetries,
		Strategy:       string(retry.Strategy.Kind()),
	}

	switch c := cmd.(type) {
	case *commands.ShellCommand:
		ci.Args = c.Args()
		ci.Line = commands.QuoteArgs(c.Args())
	case *commands.CopyCommand:
		ci.From = c.LocalPath()
		ci.To = c.RemotePath()
	case *commands.CopyFromURLCommand:
		ci.URL = c.URL()
		ci.To = c.RemotePath()
	case *commands.ScriptCommand:
		ci.Script = c.Source()
	}
	return ci
}
