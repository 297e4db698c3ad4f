package engine

import (
	"fmt"
	"time"
)

// PlaybookRunState is the lifecycle state of a scheduled playbook.
type PlaybookRunState string

const (
	// PlaybookScheduled indicates the playbook is registered but no command has been dispatched.
	PlaybookScheduled PlaybookRunState = "scheduled"

	// PlaybookRunning indicates at least one command has been dispatched.
	PlaybookRunning PlaybookRunState = "running"

	// PlaybookComplete indicates every host finished its commands without an unignored failure.
	PlaybookComplete PlaybookRunState = "complete"

	// PlaybookFailed indicates a command failed and did not ignore failure.
	PlaybookFailed PlaybookRunState = "failed"

	// PlaybookCancelled indicates the playbook was cancelled before completion.
	PlaybookCancelled PlaybookRunState = "cancelled"
)

// IsTerminal returns true if no further transitions are possible.
func (s PlaybookRunState) IsTerminal() bool {
	return s == PlaybookComplete || s == PlaybookFailed || s == PlaybookCancelled
}

// IsActive returns true if the playbook may still dispatch commands.
func (s PlaybookRunState) IsActive() bool {
	return s == PlaybookScheduled || s == PlaybookRunning
}

// Validate checks if the state is valid.
func (s PlaybookRunState) Validate() error {
	switch s {
	case PlaybookScheduled, PlaybookRunning, PlaybookComplete,
		PlaybookFailed, PlaybookCancelled:
		return nil
	default:
		return fmt.Errorf("invalid playbook state: %s", s)
	}
}

// canTransition reports whether moving from s to next is allowed.
func (s PlaybookRunState) canTransition(next PlaybookRunState) bool {
	switch s {
	case "":
		return next == PlaybookScheduled
	case PlaybookScheduled:
		return next == PlaybookRunning || next.IsTerminal()
	case PlaybookRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// PlaybookTransition records one state change of a playbook.
type PlaybookTransition struct {
	// PlaybookID is the playbook that changed state.
	PlaybookID PlaybookID `json:"playbook_id"`

	// Name is the playbook's name.
	Name string `json:"name"`

	// From is the previous state, empty when the playbook was just scheduled.
	From PlaybookRunState `json:"from,omitempty"`

	// To is the new state.
	To PlaybookRunState `json:"to"`

	// At is when the transition happened.
	At time.Time `json:"at"`
}
