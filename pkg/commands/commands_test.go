package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// mockInvoker records calls and answers from canned outputs.
type mockInvoker struct {
	mu sync.Mutex

	localCalls  [][]string
	remoteCalls []string
	copyCalls   [][2]string
	fetchCalls  []string

	remoteOutput func(cmd string) (engine.CommandOutput, error)
	localOutput  func(args []string) (engine.CommandOutput, error)
	copyErr      error
	fetchBody    []byte
	fetchErr     error
	copiedBody   []byte
}

func (m *mockInvoker) LocalShell(_ context.Context, args []string, _ []byte, _ map[string]string) (engine.CommandOutput, error) {
	m.mu.Lock()
	m.localCalls = append(m.localCalls, args)
	m.mu.Unlock()
	if m.localOutput != nil {
		return m.localOutput(args)
	}
	return engine.CommandOutput{}, nil
}

func (m *mockInvoker) RemoteShell(_ context.Context, _ inventory.Host, cmd string, _ map[string]string) (engine.CommandOutput, error) {
	m.mu.Lock()
	m.remoteCalls = append(m.remoteCalls, cmd)
	m.mu.Unlock()
	if m.remoteOutput != nil {
		return m.remoteOutput(cmd)
	}
	return engine.CommandOutput{}, nil
}

func (m *mockInvoker) RemoteCopy(_ context.Context, _ inventory.Host, localPath, remotePath string) (engine.CommandOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyCalls = append(m.copyCalls, [2]string{localPath, remotePath})
	if body, err := os.ReadFile(localPath); err == nil {
		m.copiedBody = body
	}
	return engine.CommandOutput{}, m.copyErr
}

func (m *mockInvoker) FetchURL(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, url)
	return m.fetchBody, m.fetchErr
}

var (
	remoteHost = inventory.Host{Name: "web1", Address: "web1", Port: 22, User: "deploy"}
	localHost  = inventory.Local()
)

func TestShellCommand_RemoteQuotesArguments(t *testing.T) {
	inv := &mockInvoker{}
	cmd := NewShell(inv, []string{"echo", "hello world", "it's"}, nil)

	if _, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := `echo 'hello world' 'it'\''s'`
	if len(inv.remoteCalls) != 1 || inv.remoteCalls[0] != want {
		t.Errorf("Expected remote call %q, got %v", want, inv.remoteCalls)
	}
	if cmd.Kind() != KindShell {
		t.Errorf("Unexpected kind %s", cmd.Kind())
	}
}

func TestShellCommand_LocalHostUsesSubprocess(t *testing.T) {
	inv := &mockInvoker{}
	cmd := NewShellLine(inv, "uptime", nil)

	if _, err := cmd.Run(context.Background(), localHost, zerolog.Nop()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(inv.localCalls) != 1 || strings.Join(inv.localCalls[0], " ") != "sh -c uptime" {
		t.Errorf("Unexpected local calls %v", inv.localCalls)
	}
	if len(inv.remoteCalls) != 0 {
		t.Error("Local host must not use the remote transport")
	}
}

func TestShellCommand_ImmutableArgs(t *testing.T) {
	args := []string{"ls", "/"}
	cmd := NewShell(&mockInvoker{}, args, nil)
	args[1] = "/etc"

	if got := cmd.Args()[1]; got != "/" {
		t.Errorf("Command args changed after construction: %q", got)
	}
}

func TestShellCommand_EmptyArgsIsError(t *testing.T) {
	cmd := NewShell(&mockInvoker{}, nil, nil)
	if _, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop()); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestQuoteArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"apt-get", "install", "-y", "nginx"}, "apt-get install -y nginx"},
		{[]string{"echo", ""}, "echo ''"},
		{[]string{"sh", "-c", "a && b"}, "sh -c 'a && b'"},
		{[]string{"path=/tmp/x.conf"}, "path=/tmp/x.conf"},
	}
	for _, tt := range tests {
		if got := QuoteArgs(tt.args); got != tt.want {
			t.Errorf("QuoteArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestCopyCommand(t *testing.T) {
	src := filepath.Join(t.TempDir(), "nginx.conf")
	if err := os.WriteFile(src, []byte("worker_processes 1;"), 0o600); err != nil {
		t.Fatal(err)
	}

	inv := &mockInvoker{}
	cmd := NewCopy(inv, src, "/etc/nginx/nginx.conf")

	if _, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(inv.copyCalls) != 1 || inv.copyCalls[0] != [2]string{src, "/etc/nginx/nginx.conf"} {
		t.Errorf("Unexpected copy calls %v", inv.copyCalls)
	}

	if _, err := cmd.Run(context.Background(), localHost, zerolog.Nop()); err != nil {
		t.Fatalf("Local run failed: %v", err)
	}
	if len(inv.localCalls) != 1 || inv.localCalls[0][0] != "cp" {
		t.Errorf("Expected local cp, got %v", inv.localCalls)
	}
}

func TestCopyCommand_MissingSourceIsError(t *testing.T) {
	cmd := NewCopy(&mockInvoker{}, "/does/not/exist", "/tmp/x")
	if _, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing source")
	}
}

func TestCopyFromURLCommand(t *testing.T) {
	inv := &mockInvoker{fetchBody: []byte("payload")}
	cmd := NewCopyFromURL(inv, "https://example.com/x.tar.gz", "/tmp/x.tar.gz")

	if _, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(inv.copiedBody) != "payload" {
		t.Errorf("Expected fetched body to be copied, got %q", inv.copiedBody)
	}
	if len(inv.copyCalls) != 1 || inv.copyCalls[0][1] != "/tmp/x.tar.gz" {
		t.Errorf("Unexpected copy calls %v", inv.copyCalls)
	}
	if _, err := os.Stat(inv.copyCalls[0][0]); !os.IsNotExist(err) {
		t.Error("Expected temp file to be removed")
	}
}

func TestCopyFromURLCommand_FetchErrorIsException(t *testing.T) {
	inv := &mockInvoker{fetchErr: errors.New("404")}
	cmd := NewCopyFromURL(inv, "https://example.com/missing", "/tmp/x", engine.WithRetry(backoff.New(1, backoff.None())))

	result := engine.RunCommand(context.Background(), cmd, remoteHost, zerolog.Nop())
	if !engine.HasCode(result.Exception, engine.ErrCodeActionFailed) {
		t.Errorf("Expected ACTION_FAILED exception, got %v", result.Exception)
	}
	if len(inv.fetchCalls) != 2 {
		t.Errorf("Expected fetch to be retried once, got %d calls", len(inv.fetchCalls))
	}
}

func TestVerifyAccessCommand(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		rc     int32
		wantRC int32
	}{
		{"echoed probe", "hello\n", 0, 0},
		{"wrong output", "welcome\n", 0, 1},
		{"non-zero", "", 255, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &mockInvoker{remoteOutput: func(string) (engine.CommandOutput, error) {
				return engine.CommandOutput{ReturnCode: tt.rc, Stdout: []byte(tt.stdout)}, nil
			}}
			out, err := NewVerifyAccess(inv).Run(context.Background(), remoteHost, zerolog.Nop())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if out.ReturnCode != tt.wantRC {
				t.Errorf("Expected rc %d, got %d", tt.wantRC, out.ReturnCode)
			}
			if inv.remoteCalls[0] != "echo 'hello'" {
				t.Errorf("Unexpected probe %q", inv.remoteCalls[0])
			}
		})
	}
}

func TestFuncCommand(t *testing.T) {
	cmd := NewFunc("answer", func(context.Context, inventory.Host, zerolog.Logger) (engine.CommandOutput, error) {
		return engine.CommandOutput{Stdout: []byte("42")}, nil
	}, engine.WithTimeout(time.Second), engine.WithIgnoreFailure(true))

	out, err := cmd.Run(context.Background(), remoteHost, zerolog.Nop())
	if err != nil || string(out.Stdout) != "42" {
		t.Errorf("Unexpected output %q, err %v", out.Stdout, err)
	}
	if !cmd.IgnoreFailure() || cmd.ExecutionTimeout() != time.Second {
		t.Error("Metadata options not applied")
	}
	if engine.KindOf(cmd) != KindFunc {
		t.Errorf("Unexpected kind %s", engine.KindOf(cmd))
	}
}
