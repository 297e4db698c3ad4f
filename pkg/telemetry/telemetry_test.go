package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/froyoplay/pkg/commands"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"collector", func(c *Config) { *c = *c.ForCollector("collector:4317") }, false},
		{"collector without endpoint", func(c *Config) { *c = *c.ForCollector("") }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.WithPlaybookID("pb-1").WithHost("deploy@web1:22").WithCommandID("cmd-1").Info("hello")

	out := buf.String()
	for _, want := range []string{`"playbook_id":"pb-1"`, `"host":"deploy@web1:22"`, `"command_id":"cmd-1"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}

	buf.Reset()
	zl := logger.Zerolog()
	zl.Debug().Msg("direct")
	if !strings.Contains(buf.String(), "direct") {
		t.Errorf("Zerolog() should share the writer, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("warn").String(); got != "warn" {
		t.Errorf("ParseLevel(warn) = %s", got)
	}
	if got := ParseLevel("bogus").String(); got != "info" {
		t.Errorf("ParseLevel(bogus) = %s", got)
	}
}

func newTestObserver(t *testing.T) (*Observer, *Metrics, *[]Event) {
	t.Helper()

	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	var got []Event
	events.Subscribe(func(e Event) { got = append(got, e) }, nil)

	tracer, err := NewTracer(TracingConfig{Enabled: false}, "test", "dev", "test", nil)
	if err != nil {
		t.Fatal(err)
	}

	logger := NewLoggerTo(io.Discard, LoggingConfig{Level: "debug", Format: "json"})
	return NewObserver(logger, tracer, metrics, events), metrics, &got
}

func TestObserver_Transitions(t *testing.T) {
	obs, metrics, events := newTestObserver(t)

	steps := []engine.PlaybookTransition{
		{PlaybookID: "pb-1", Name: "deploy", To: engine.PlaybookScheduled},
		{PlaybookID: "pb-1", Name: "deploy", From: engine.PlaybookScheduled, To: engine.PlaybookRunning},
	}
	for _, s := range steps {
		obs.PlaybookStateChanged(s)
	}
	if got := testutil.ToFloat64(metrics.activePlaybooks); got != 1 {
		t.Errorf("active playbooks = %v, want 1", got)
	}

	obs.PlaybookStateChanged(engine.PlaybookTransition{PlaybookID: "pb-1", Name: "deploy", From: engine.PlaybookRunning, To: engine.PlaybookFailed})
	if got := testutil.ToFloat64(metrics.activePlaybooks); got != 0 {
		t.Errorf("active playbooks = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.playbookTransitions.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed transitions = %v, want 1", got)
	}

	if len(*events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(*events))
	}
	last := (*events)[2]
	if last.Type != EventTypePlaybookStateChanged || last.Level != EventLevelError || last.PlaybookID != "pb-1" {
		t.Errorf("unexpected event: %+v", last)
	}

	if len(obs.spans) != 0 {
		t.Errorf("span for finished playbook should be released, have %d", len(obs.spans))
	}
}

func TestObserver_CommandCompleted(t *testing.T) {
	obs, metrics, events := newTestObserver(t)

	ok := commands.NewFunc("ok", nil)
	ignored := commands.NewFunc("ignored", nil, engine.WithIgnoreFailure(true))

	obs.CommandCompleted(engine.CommandExecutionResult{Command: ok, Host: inventory.Local(), Duration: time.Second})
	obs.CommandCompleted(engine.CommandExecutionResult{
		Command:   ignored,
		Host:      inventory.Local(),
		Output:    engine.ExceptionOutput(),
		Exception: errors.New("boom"),
		Retries:   2,
	})
	obs.CommandCompleted(engine.CommandExecutionResult{Command: ok, Host: inventory.Local(), Output: engine.CommandOutput{ReturnCode: 1}})

	tests := []struct {
		status string
		want   float64
	}{
		{StatusSuccess, 1},
		{StatusIgnored, 1},
		{StatusFailed, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(metrics.commandsExecuted.WithLabelValues(commands.KindFunc, tt.status)); got != tt.want {
			t.Errorf("%s commands = %v, want %v", tt.status, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(metrics.commandRetries.WithLabelValues(commands.KindFunc)); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}

	if len(*events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(*events))
	}
	if e := (*events)[1]; e.Data["exception"] != "boom" || e.Level != EventLevelWarning {
		t.Errorf("unexpected ignored-failure event: %+v", e)
	}
}

func TestObserver_Admitter(t *testing.T) {
	obs, metrics, events := newTestObserver(t)

	deny := engine.AdmitterFunc(func(context.Context, engine.Playbook) error {
		return engine.NewPermanentError("no", nil).
			WithCode(engine.ErrCodePolicyDenied).
			WithDetail("policies", []string{"destructive-commands"})
	})
	admit := obs.Admitter(deny)

	pb := engine.NewPlaybook("x", nil, nil)
	if err := admit.Admit(context.Background(), pb); !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("expected denial to pass through, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.policyDenials.WithLabelValues("destructive-commands")); got != 1 {
		t.Errorf("policy denials = %v, want 1", got)
	}
	if len(*events) != 1 || (*events)[0].Type != EventTypePolicyDenied {
		t.Errorf("unexpected events: %+v", *events)
	}

	allow := obs.Admitter(engine.AdmitterFunc(func(context.Context, engine.Playbook) error { return nil }))
	if err := allow.Admit(context.Background(), pb); err != nil {
		t.Errorf("Admit() = %v", err)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCommand("shell", StatusSuccess, time.Second, 1)
	m.RecordPlaybookTransition("complete", false, true)
	m.RecordPolicyDenial("x")
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve() on disabled metrics = %v", err)
	}
}

func TestMetricsServe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "froyoplay", ListenAddress: "127.0.0.1:19191", Path: "/metrics"})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCommand("shell", StatusSuccess, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://127.0.0.1:19191/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, `froyoplay_commands_executed_total{kind="shell",status="success"} 1`) {
		t.Errorf("metrics output missing command counter:\n%s", body)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v", err)
	}
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 8})
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan Event, 8)
	ep.Subscribe(func(e Event) { got <- e }, FilterByPlaybookID("pb-1"))

	_ = ep.Publish(Event{Type: EventTypeCommandCompleted, PlaybookID: "pb-2"})
	_ = ep.Publish(Event{Type: EventTypeCommandCompleted, PlaybookID: "pb-1"})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(got)

	var n int
	for e := range got {
		n++
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing ID or timestamp: %+v", e)
		}
	}
	if n != 1 {
		t.Errorf("expected 1 delivered event, got %d", n)
	}

	if err := ep.Publish(Event{Type: EventTypeCommandCompleted}); err == nil {
		t.Error("publishing after shutdown should fail")
	}
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}
