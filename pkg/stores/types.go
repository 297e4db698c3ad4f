package stores

import (
	"time"

	"github.com/openfroyo/froyoplay/pkg/engine"
)

// Run is the journaled view of a scheduled playbook.
type Run struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	State       engine.PlaybookRunState `json:"state"`
	ScheduledAt time.Time               `json:"scheduled_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
}

// Transition is one recorded playbook state change.
type Transition struct {
	ID         int64                   `json:"id"`
	PlaybookID string                  `json:"playbook_id"`
	From       engine.PlaybookRunState `json:"from"`
	To         engine.PlaybookRunState `json:"to"`
	At         time.Time               `json:"at"`
}

// CommandResult is one recorded command execution result.
type CommandResult struct {
	ID          int64         `json:"id"`
	PlaybookID  string        `json:"playbook_id,omitempty"`
	CommandID   string        `json:"command_id"`
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	Host        string        `json:"host"`
	ReturnCode  int32         `json:"return_code"`
	Stdout      []byte        `json:"stdout,omitempty"`
	Stderr      []byte        `json:"stderr,omitempty"`
	Exception   *string       `json:"exception,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Retries     int           `json:"retries"`
	Failed      bool          `json:"failed"`
	Ignored     bool          `json:"ignored"`
}

// ResultFilter narrows ListResults. Zero fields match everything.
type ResultFilter struct {
	PlaybookID string
	Host       string
	FailedOnly bool
	Limit      int
	Offset     int
}

// Config holds journal configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string

	// MaxOutputBytes truncates stored stdout and stderr. Zero uses DefaultMaxOutputBytes.
	MaxOutputBytes int

	// WriteTimeout bounds each write made from an observer callback.
	WriteTimeout time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultMaxOutputBytes is the default cap on stored command output.
const DefaultMaxOutputBytes = 64 * 1024
