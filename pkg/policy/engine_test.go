package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	"github.com/openfroyo/froyoplay/pkg/commands"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func playbookOf(cmds ...engine.Command) engine.Playbook {
	return engine.NewPlaybook("test", []inventory.Host{inventory.Local()}, cmds)
}

func TestNewEngine_Builtins(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Fatalf("expected %d policies, got %d", len(GetBuiltinPolicies()), len(policies))
	}
	for _, p := range policies {
		if p.Source != "" {
			t.Errorf("built-in policy %s has source %q", p.Name, p.Source)
		}
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		cmd        engine.Command
		allowed    bool
		policy     string
		violations int
	}{
		{
			name:    "harmless shell",
			cmd:     commands.NewShellLine(nil, "uptime", nil),
			allowed: true,
		},
		{
			name:       "rm -rf root",
			cmd:        commands.NewShellLine(nil, "rm -rf /", nil),
			allowed:    false,
			policy:     "destructive-commands",
			violations: 1,
		},
		{
			name:       "mkfs",
			cmd:        commands.NewShell(nil, []string{"mkfs.ext4", "/dev/sdb1"}, nil),
			allowed:    false,
			policy:     "destructive-commands",
			violations: 1,
		},
		{
			name:       "destructive script",
			cmd:        commands.NewScript(nil, "wipe.star", `shell("rm -rf /")`, nil),
			allowed:    false,
			policy:     "destructive-commands",
			violations: 1,
		},
		{
			name: "too many retries",
			cmd: commands.NewShellLine(nil, "true", nil,
				engine.WithRetry(backoff.New(50, backoff.None())),
				engine.WithTimeout(time.Second)),
			allowed:    false,
			policy:     "retry-limits",
			violations: 1,
		},
		{
			name: "retried without timeout warns",
			cmd: commands.NewShellLine(nil, "true", nil,
				engine.WithRetry(backoff.New(3, backoff.None()))),
			allowed:    true,
			policy:     "retry-limits",
			violations: 1,
		},
		{
			name:       "plain http fetch warns",
			cmd:        commands.NewCopyFromURL(nil, "http://example.com/app.tar.gz", "/tmp/app.tar.gz"),
			allowed:    true,
			policy:     "fetch-sources",
			violations: 1,
		},
		{
			name:       "ftp fetch denied",
			cmd:        commands.NewCopyFromURL(nil, "ftp://example.com/app.tar.gz", "/tmp/app.tar.gz"),
			allowed:    false,
			policy:     "fetch-sources",
			violations: 1,
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Evaluate(context.Background(), playbookOf(tt.cmd))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (violations: %+v)", result.Allowed, tt.allowed, result.Violations)
			}
			if len(result.Violations) != tt.violations {
				t.Fatalf("got %d violations, want %d: %+v", len(result.Violations), tt.violations, result.Violations)
			}
			for _, v := range result.Violations {
				if v.Policy != tt.policy {
					t.Errorf("violation from %s, want %s", v.Policy, tt.policy)
				}
				if v.Command != string(tt.cmd.ID()) {
					t.Errorf("violation command = %q, want %q", v.Command, tt.cmd.ID())
				}
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Admit(context.Background(), playbookOf(commands.NewShellLine(nil, "hostname", nil))); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	err := e.Admit(context.Background(), playbookOf(commands.NewShellLine(nil, "rm -rf /", nil)))
	if err == nil {
		t.Fatal("expected destructive playbook to be denied")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("expected %s, got %v", engine.ErrCodePolicyDenied, err)
	}
	if !strings.Contains(err.Error(), "destructive-commands") {
		t.Errorf("error should name the policy: %v", err)
	}
}

func TestAdmit_ScheduleRejected(t *testing.T) {
	pe := newTestEngine(t)
	eng := engine.New(engine.Options{Admitter: pe})
	defer eng.Shutdown()

	pb := playbookOf(commands.NewShellLine(nil, "dd if=/dev/zero of=/dev/sda", nil))
	err := eng.Schedule(context.Background(), pb, engine.ScheduleOptions{})
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Schedule() error = %v, want %s", err, engine.ErrCodePolicyDenied)
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	pb := playbookOf(commands.NewShellLine(nil, "rm -rf /", nil))

	if err := e.DisablePolicy("destructive-commands"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := e.Admit(context.Background(), pb); err != nil {
		t.Errorf("disabled policy still denies: %v", err)
	}

	if err := e.EnablePolicy("destructive-commands"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if err := e.Admit(context.Background(), pb); err == nil {
		t.Error("re-enabled policy should deny")
	}

	if err := e.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

const requireTimeoutRego = `# Shell commands must set a timeout.
package froyoplay.policies.custom

import rego.v1

deny contains violation if {
	some cmd in input.playbook.commands
	cmd.kind == "shell"
	cmd.timeout_seconds == 0
	violation := {"message": "shell commands need a timeout", "command": cmd.id}
}
`

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeouts.rego")
	if err := os.WriteFile(path, []byte(requireTimeoutRego), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := e.GetPolicy("timeouts")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Source != path {
		t.Errorf("Source = %q, want %q", p.Source, path)
	}
	if p.Description != "Shell commands must set a timeout." {
		t.Errorf("Description = %q", p.Description)
	}

	err = e.Admit(context.Background(), playbookOf(commands.NewShellLine(nil, "uptime", nil)))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("expected custom policy to deny, got %v", err)
	}

	err = e.Admit(context.Background(), playbookOf(commands.NewShellLine(nil, "uptime", nil, engine.WithTimeout(time.Minute))))
	if err != nil {
		t.Errorf("expected playbook with timeout to pass, got %v", err)
	}

	// Reloading with nothing drops user policies but keeps built-ins.
	if err := e.SetPolicies(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetPolicy("timeouts"); err == nil {
		t.Error("user policy should be removed")
	}
	if _, err := e.GetPolicy("destructive-commands"); err != nil {
		t.Errorf("built-in policy removed: %v", err)
	}
}

func TestSetPolicies_CompileError(t *testing.T) {
	e := newTestEngine(t)
	err := e.SetPolicies(context.Background(), []Policy{{
		Name:     "broken",
		Rego:     "package broken\n\ndeny contains if {",
		Severity: SeverityError,
		Enabled:  true,
		Source:   "broken.rego",
	}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := e.GetPolicy("broken"); err == nil {
		t.Error("broken policy should not be installed")
	}
}

func TestWatchPolicies(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t)
	if err := e.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("WatchPolicies() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "timeouts.rego"), []byte(requireTimeoutRego), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.GetPolicy("timeouts"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after the file was written")
}
