package engine

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCommandExecutionResult_RepresentsFailure(t *testing.T) {
	strict := newMockCommand("strict", succeed)
	lenient := newMockCommand("lenient", succeed, WithIgnoreFailure(true))

	tests := []struct {
		name       string
		result     CommandExecutionResult
		wantFailed bool
		wantHalts  bool
		wantStatus string
	}{
		{"success", CommandExecutionResult{Command: strict}, false, false, "success"},
		{"non-zero", CommandExecutionResult{Command: strict, Output: CommandOutput{ReturnCode: 2}}, true, true, "failed"},
		{"exception", CommandExecutionResult{Command: strict, Exception: errors.New("x")}, true, true, "failed"},
		{"ignored non-zero", CommandExecutionResult{Command: lenient, Output: CommandOutput{ReturnCode: 2}}, true, false, "ignored"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Failed(); got != tt.wantFailed {
				t.Errorf("Failed() = %v, want %v", got, tt.wantFailed)
			}
			if got := tt.result.RepresentsFailure(); got != tt.wantHalts {
				t.Errorf("RepresentsFailure() = %v, want %v", got, tt.wantHalts)
			}
			if got := tt.result.Status(); got != tt.wantStatus {
				t.Errorf("Status() = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}

func TestConsoleOutput_Tiers(t *testing.T) {
	cmd := newMockCommand("apt-get install nginx", succeed)
	result := CommandExecutionResult{
		Command:   cmd,
		Host:      testHost("web1"),
		Output:    CommandOutput{ReturnCode: 1, Stdout: []byte("reading lists"), Stderr: []byte("E: locked")},
		Duration:  1500 * time.Millisecond,
		Retries:   2,
		Exception: errors.New("lock held"),
	}

	if out := result.ConsoleOutput(DetailSilent, true); out != "" {
		t.Errorf("Expected silent output to be empty, got %q", out)
	}

	normal := result.ConsoleOutput(DetailNormal, false)
	if strings.Contains(normal, "\n") {
		t.Errorf("Expected a single line, got %q", normal)
	}
	if !strings.Contains(normal, "apt-get install nginx") || !strings.Contains(normal, "failed") {
		t.Errorf("Unexpected normal output %q", normal)
	}

	verbose := result.ConsoleOutput(DetailVerbose, false)
	if !strings.Contains(verbose, "reading lists") || !strings.Contains(verbose, "E: locked") {
		t.Errorf("Expected stdout and stderr in verbose output, got %q", verbose)
	}
	if strings.Contains(verbose, "retries") {
		t.Errorf("Verbose output should not include debug fields: %q", verbose)
	}

	debug := result.ConsoleOutput(DetailDebug, true)
	for _, want := range []string{"❌", "retries: 2", "duration: 1.5s", "lock held", string(cmd.ID())} {
		if !strings.Contains(debug, want) {
			t.Errorf("Expected debug output to contain %q, got %q", want, debug)
		}
	}
}

func TestConsoleOutput_Emoji(t *testing.T) {
	ok := CommandExecutionResult{Command: newMockCommand("a", succeed)}
	ignored := CommandExecutionResult{
		Command: newMockCommand("b", succeed, WithIgnoreFailure(true)),
		Output:  CommandOutput{ReturnCode: 1},
	}

	if !strings.HasPrefix(ok.ConsoleOutput(DetailNormal, true), "✅") {
		t.Error("Expected success emoji")
	}
	if !strings.HasPrefix(ignored.ConsoleOutput(DetailNormal, true), "⚠️") {
		t.Error("Expected warning emoji for ignored failure")
	}
}

func TestParseDetailLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    DetailLevel
		wantErr bool
	}{
		{"silent", DetailSilent, false},
		{"", DetailNormal, false},
		{"Verbose", DetailVerbose, false},
		{"debug", DetailDebug, false},
		{"loud", DetailNormal, true},
	}

	for _, tt := range tests {
		got, err := ParseDetailLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDetailLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseDetailLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPlaybookRunState_Transitions(t *testing.T) {
	tests := []struct {
		from, to PlaybookRunState
		want     bool
	}{
		{"", PlaybookScheduled, true},
		{PlaybookScheduled, PlaybookRunning, true},
		{PlaybookScheduled, PlaybookComplete, true},
		{PlaybookRunning, PlaybookFailed, true},
		{PlaybookRunning, PlaybookScheduled, false},
		{PlaybookComplete, PlaybookFailed, false},
		{PlaybookCancelled, PlaybookRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.want {
			t.Errorf("%q -> %q: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCommandMeta_IdentityDiffers(t *testing.T) {
	a := NewCommandMeta(WithIgnoreFailure(true))
	b := NewCommandMeta(WithIgnoreFailure(true))
	if a == b {
		t.Error("Structurally identical commands with different IDs must differ")
	}
	c := NewCommandMeta(WithID(a.ID()), WithIgnoreFailure(true))
	if a != c {
		t.Error("Commands with the same ID and fields must be equal")
	}
}
