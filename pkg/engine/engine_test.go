package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// recordingObserver captures notifications for assertions.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []PlaybookTransition
	results     []CommandExecutionResult
}

func (o *recordingObserver) PlaybookStateChanged(t PlaybookTransition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) CommandCompleted(r CommandExecutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) states() []PlaybookRunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlaybookRunState, 0, len(o.transitions))
	for _, t := range o.transitions {
		out = append(out, t.To)
	}
	return out
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	e := New(opts)
	t.Cleanup(e.Shutdown)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, e *Engine, id PlaybookID) PlaybookRunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return state
}

func TestEngine_Run_Direct(t *testing.T) {
	e := newTestEngine(t, Options{})
	cmd := newMockCommand("ok", succeed)

	result, err := e.Run(context.Background(), testHost("web1"), cmd)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed() {
		t.Error("Expected success")
	}
	if result.PlaybookID != "" {
		t.Errorf("Expected no playbook id, got %s", result.PlaybookID)
	}
	if _, ok := e.ResultFor(testHost("web1"), cmd.ID()); ok {
		t.Error("Direct runs must not be recorded")
	}
}

func TestEngine_Run_PropagatesCancellation(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := newMockCommand("ok", succeed)
	_, err := e.Run(ctx, testHost("web1"), cmd)
	if !HasCode(err, ErrCodeCancelled) {
		t.Errorf("Expected CANCELLED error, got %v", err)
	}
	if cmd.Calls() != 0 {
		t.Errorf("Expected no attempt, got %d", cmd.Calls())
	}
}

func TestEngine_RunSequence_StopsAtFirstFailure(t *testing.T) {
	e := newTestEngine(t, Options{})
	a := newMockCommand("a", succeed)
	b := newMockCommand("b", failWith(2))
	c := newMockCommand("c", succeed)

	results := e.RunSequence(context.Background(), testHost("web1"), []Command{a, b, c}, RunOptions{})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[1].Command.ID() != b.ID() || !results[1].RepresentsFailure() {
		t.Error("Expected second result to be b's failure")
	}
	if c.Calls() != 0 {
		t.Error("Expected c never to run")
	}
}

func TestEngine_RunSequence_IgnoredFailureContinues(t *testing.T) {
	e := newTestEngine(t, Options{})
	a := newMockCommand("a", failWith(1), WithIgnoreFailure(true))
	b := newMockCommand("b", succeed)

	results := e.RunSequence(context.Background(), testHost("web1"), []Command{a, b}, RunOptions{})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Status() != "ignored" {
		t.Errorf("Expected ignored status, got %s", results[0].Status())
	}
}

func TestEngine_RunSequence_DisplayProgress(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, Options{Output: &buf})

	e.RunSequence(context.Background(), testHost("web1"),
		[]Command{newMockCommand("say-hello", succeed)},
		RunOptions{DisplayProgress: true, Detail: DetailNormal, Emoji: true})

	out := buf.String()
	if !strings.Contains(out, "say-hello") || !strings.Contains(out, "✅") {
		t.Errorf("Unexpected progress output %q", out)
	}
}

func TestEngine_RunAll_FansOutAcrossHosts(t *testing.T) {
	e := newTestEngine(t, Options{})
	hosts := []inventory.Host{testHost("web1"), testHost("web2"), testHost("web3")}

	var active, peak atomic.Int32
	slow := newMockCommand("slow", func(context.Context, int) (CommandOutput, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return CommandOutput{}, nil
	})

	results := e.RunAll(context.Background(), hosts, []Command{slow}, RunOptions{})

	if len(results) != 3 {
		t.Fatalf("Expected results for 3 hosts, got %d", len(results))
	}
	for _, h := range hosts {
		if len(results[h]) != 1 {
			t.Errorf("Expected 1 result for %s, got %d", h, len(results[h]))
		}
	}
	if peak.Load() < 2 {
		t.Errorf("Expected hosts to run concurrently, peak concurrency %d", peak.Load())
	}
}

func TestEngine_Playbook_StateMachine(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", succeed)
	b := newMockCommand("b", succeed)
	pb := NewPlaybook("steps", []inventory.Host{host}, []Command{a, b})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true, Stepping: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if state, ok := e.Status(pb.ID); !ok || state != PlaybookScheduled {
		t.Fatalf("Expected scheduled, got %s (ok=%v)", state, ok)
	}

	if !e.Step(host) {
		t.Fatal("Expected stepping runner to be armed")
	}
	waitFor(t, "first result", func() bool {
		_, ok := e.ResultFor(host, a.ID())
		return ok
	})

	if state, _ := e.Status(pb.ID); state != PlaybookRunning {
		t.Errorf("Expected running after first result, got %s", state)
	}
	if b.Calls() != 0 {
		t.Error("Stepping runner ran more than one command per step")
	}

	e.Step(host)
	if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
		t.Errorf("Expected complete, got %s", state)
	}
}

func TestEngine_Playbook_RetryThenComplete(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", succeed)
	b := newMockCommand("b", failTimes(2),
		WithRetry(backoff.New(3, backoff.Linear(time.Millisecond, 10*time.Millisecond))))
	pb := NewPlaybook("retry", []inventory.Host{host}, []Command{a, b})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
		t.Fatalf("Expected complete, got %s", state)
	}

	results := e.Results(pb.ID)[host]
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[1].Retries != 2 {
		t.Errorf("Expected second result with 2 retries, got %d", results[1].Retries)
	}
	if healthy, ok := e.HostStatus(host); !ok || !healthy {
		t.Errorf("Expected healthy host, got healthy=%v ok=%v", healthy, ok)
	}
}

func TestEngine_Playbook_FailureHalts(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", failWith(1))
	b := newMockCommand("b", succeed)
	pb := NewPlaybook("halts", []inventory.Host{host}, []Command{a, b})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if state := waitTerminal(t, e, pb.ID); state != PlaybookFailed {
		t.Fatalf("Expected failed, got %s", state)
	}

	// Give the runner a few polls to prove nothing else is dispatched.
	time.Sleep(30 * time.Millisecond)

	if got := len(e.Results(pb.ID)[host]); got != 1 {
		t.Errorf("Expected 1 result, got %d", got)
	}
	if _, ok := e.ResultFor(host, b.ID()); ok {
		t.Error("Expected b to have no result")
	}
	if b.Calls() != 0 {
		t.Error("Expected b never to run")
	}
	if healthy, ok := e.HostStatus(host); !ok || healthy {
		t.Errorf("Expected unhealthy host, got healthy=%v ok=%v", healthy, ok)
	}
}

func TestEngine_Playbook_IgnoredFailureCompletes(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", failWith(1), WithIgnoreFailure(true))
	b := newMockCommand("b", succeed)
	pb := NewPlaybook("ignored", []inventory.Host{host}, []Command{a, b})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
		t.Fatalf("Expected complete, got %s", state)
	}
	if b.Calls() != 1 {
		t.Errorf("Expected b to run once, got %d", b.Calls())
	}
}

func TestEngine_HostRunner_MutualExclusion(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")

	var active atomic.Int32
	var overlapped atomic.Bool
	work := func(context.Context, int) (CommandOutput, error) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		return CommandOutput{}, nil
	}

	var pbs []Playbook
	for i := 0; i < 2; i++ {
		var cmds []Command
		for j := 0; j < 5; j++ {
			cmds = append(cmds, newMockCommand("work", work))
		}
		pbs = append(pbs, NewPlaybook("concurrent", []inventory.Host{host}, cmds))
	}

	var wg sync.WaitGroup
	for _, pb := range pbs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
				t.Errorf("Schedule failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var all []CommandExecutionResult
	for _, pb := range pbs {
		if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
			t.Fatalf("Expected complete, got %s", state)
		}
		all = append(all, e.Results(pb.ID)[host]...)
	}

	if overlapped.Load() {
		t.Fatal("Two commands ran on the same host concurrently")
	}
	if len(all) != 10 {
		t.Fatalf("Expected 10 results, got %d", len(all))
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.StartedAt.Before(b.FinishedAt()) && b.StartedAt.Before(a.FinishedAt()) {
				t.Fatalf("Execution windows overlap: %s-%s and %s-%s",
					a.StartedAt, a.FinishedAt(), b.StartedAt, b.FinishedAt())
			}
		}
	}

	e.mu.RLock()
	runners := len(e.runners)
	e.mu.RUnlock()
	if runners != 1 {
		t.Errorf("Expected a single runner for the host, got %d", runners)
	}
}

func TestEngine_Playbook_PerHostOrdering(t *testing.T) {
	e := newTestEngine(t, Options{})
	hosts := []inventory.Host{testHost("web1"), testHost("web2")}

	var mu sync.Mutex
	order := make(map[string][]string)
	record := func(name string) func(context.Context, int) (CommandOutput, error) {
		return func(ctx context.Context, _ int) (CommandOutput, error) {
			mu.Lock()
			defer mu.Unlock()
			order[name] = append(order[name], name)
			return CommandOutput{}, nil
		}
	}

	cmds := []Command{
		newMockCommand("first", record("first")),
		newMockCommand("second", record("second")),
		newMockCommand("third", record("third")),
	}
	pb := NewPlaybook("ordered", hosts, cmds)
	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
		t.Fatalf("Expected complete, got %s", state)
	}

	for _, host := range hosts {
		results := e.Results(pb.ID)[host]
		if len(results) != 3 {
			t.Fatalf("Expected 3 results for %s, got %d", host, len(results))
		}
		for i := 1; i < len(results); i++ {
			if results[i].StartedAt.Before(results[i-1].FinishedAt()) {
				t.Errorf("%s: command %d started before command %d finished", host, i, i-1)
			}
		}
	}
}

func TestEngine_Schedule_EmptyPlaybookCompletes(t *testing.T) {
	e := newTestEngine(t, Options{})

	noHosts := NewPlaybook("no-hosts", nil, []Command{newMockCommand("a", succeed)})
	noCommands := NewPlaybook("no-commands", []inventory.Host{testHost("web1")}, nil)

	for _, pb := range []Playbook{noHosts, noCommands} {
		if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		if state, _ := e.Status(pb.ID); state != PlaybookComplete {
			t.Errorf("%s: expected complete, got %s", pb.Name, state)
		}
	}
}

func TestEngine_Schedule_Invalid(t *testing.T) {
	e := newTestEngine(t, Options{})
	cmd := newMockCommand("a", succeed)
	pb := NewPlaybook("dup", []inventory.Host{testHost("web1")}, []Command{cmd})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	err := e.Schedule(context.Background(), pb, ScheduleOptions{})
	if !HasCode(err, ErrCodeAlreadyExists) {
		t.Errorf("Expected ALREADY_EXISTS, got %v", err)
	}

	tests := []struct {
		name string
		pb   Playbook
	}{
		{"missing id", Playbook{Name: "x", Hosts: []inventory.Host{testHost("web1")}}},
		{"nil command", NewPlaybook("x", nil, []Command{nil})},
		{"duplicate command", NewPlaybook("x", nil, []Command{cmd, cmd})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Schedule(context.Background(), tt.pb, ScheduleOptions{})
			if !HasCode(err, ErrCodeValidation) {
				t.Errorf("Expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestEngine_Schedule_AdmitterDenies(t *testing.T) {
	e := newTestEngine(t, Options{
		Admitter: AdmitterFunc(func(context.Context, Playbook) error {
			return errors.New("no deploys on friday")
		}),
	})
	pb := NewPlaybook("denied", []inventory.Host{testHost("web1")}, []Command{newMockCommand("a", succeed)})

	err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true})
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}
	if _, ok := e.Status(pb.ID); ok {
		t.Error("Denied playbook must not be registered")
	}
}

func TestEngine_UnknownLookups(t *testing.T) {
	e := newTestEngine(t, Options{})

	if e.Step(testHost("nowhere")) {
		t.Error("Expected Step on unknown host to be a no-op")
	}
	if _, ok := e.Status("missing"); ok {
		t.Error("Expected unknown playbook status to be absent")
	}
	if _, ok := e.HostStatus(testHost("nowhere")); ok {
		t.Error("Expected unknown host status to be absent")
	}
	if e.Cancel("missing") {
		t.Error("Expected Cancel of unknown playbook to report false")
	}
	if _, err := e.Wait(context.Background(), "missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if e.Results("missing") != nil {
		t.Error("Expected nil results for unknown playbook")
	}
}

func TestEngine_Cancel(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", succeed)
	pb := NewPlaybook("cancel", []inventory.Host{host}, []Command{a})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true, Stepping: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !e.Cancel(pb.ID) {
		t.Fatal("Expected Cancel to succeed")
	}
	if state := waitTerminal(t, e, pb.ID); state != PlaybookCancelled {
		t.Errorf("Expected cancelled, got %s", state)
	}
	if e.Cancel(pb.ID) {
		t.Error("Expected second Cancel to report false")
	}

	runner, ok := e.Runner(host)
	if !ok {
		t.Fatal("Expected runner to exist")
	}
	if runner.Mode() != RunnerStopped {
		t.Errorf("Expected stopped runner, got %s", runner.Mode())
	}
	e.Step(host)
	time.Sleep(20 * time.Millisecond)
	if a.Calls() != 0 {
		t.Error("Cancelled playbook dispatched a command")
	}
}

func TestEngine_Cancel_KeepsRunnerNeededByOtherPlaybook(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	first := NewPlaybook("first", []inventory.Host{host}, []Command{newMockCommand("a", succeed)})
	second := NewPlaybook("second", []inventory.Host{host}, []Command{newMockCommand("b", succeed)})

	opts := ScheduleOptions{StartRunners: true, Stepping: true}
	if err := e.Schedule(context.Background(), first, opts); err != nil {
		t.Fatal(err)
	}
	if err := e.Schedule(context.Background(), second, opts); err != nil {
		t.Fatal(err)
	}

	e.Cancel(first.ID)
	runner, _ := e.Runner(host)
	if runner.Mode() != RunnerStepping {
		t.Fatalf("Expected runner to keep stepping, got %s", runner.Mode())
	}

	e.Step(host)
	if state := waitTerminal(t, e, second.ID); state != PlaybookComplete {
		t.Errorf("Expected second playbook complete, got %s", state)
	}
}

func TestEngine_Schedule_Delay(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	pb := NewPlaybook("later", []inventory.Host{host}, []Command{newMockCommand("a", succeed)})

	start := time.Now()
	if err := e.Schedule(context.Background(), pb, ScheduleOptions{Delay: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Error("Schedule blocked on the delay")
	}
	if cmds := e.AvailableCommands(host); len(cmds) != 0 {
		t.Errorf("Expected no eligible commands before the delay, got %d", len(cmds))
	}

	waitFor(t, "delay to elapse", func() bool { return len(e.AvailableCommands(host)) == 1 })
}

func TestEngine_AvailableCommands_FollowsScheduleOrder(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")
	a := newMockCommand("a", succeed)
	b := newMockCommand("b", succeed)

	if err := e.Schedule(context.Background(), NewPlaybook("one", []inventory.Host{host}, []Command{a}), ScheduleOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := e.Schedule(context.Background(), NewPlaybook("two", []inventory.Host{host}, []Command{b}), ScheduleOptions{}); err != nil {
		t.Fatal(err)
	}

	cmds := e.AvailableCommands(host)
	if len(cmds) != 2 || cmds[0].ID() != a.ID() || cmds[1].ID() != b.ID() {
		t.Errorf("Unexpected available commands %v", cmds)
	}
}

func TestEngine_ObserversSeeTransitionsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	e := New(Options{Observers: []Observer{obs}, PollInterval: 5 * time.Millisecond})

	host := testHost("web1")
	pb := NewPlaybook("observed", []inventory.Host{host},
		[]Command{newMockCommand("a", succeed), newMockCommand("b", succeed)})
	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitTerminal(t, e, pb.ID)
	e.Shutdown()

	want := []PlaybookRunState{PlaybookScheduled, PlaybookRunning, PlaybookComplete}
	got := obs.states()
	if len(got) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if len(obs.results) != 2 {
		t.Errorf("Expected 2 completed commands, got %d", len(obs.results))
	}
}

func TestEngine_Shutdown(t *testing.T) {
	e := New(Options{PollInterval: 5 * time.Millisecond})
	host := testHost("web1")
	slow := newMockCommand("slow", failWith(1), WithRetry(backoff.New(3, backoff.Constant(time.Hour))))
	pb := NewPlaybook("slow", []inventory.Host{host}, []Command{slow})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitFor(t, "first attempt", func() bool { return slow.Calls() == 1 })

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not interrupt the retry wait")
	}

	result, ok := e.ResultFor(host, slow.ID())
	if !ok {
		t.Fatal("Expected the interrupted command to be recorded")
	}
	if !HasCode(result.Exception, ErrCodeCancelled) {
		t.Errorf("Expected CANCELLED exception, got %v", result.Exception)
	}

	err := e.Schedule(context.Background(), NewPlaybook("late", nil, nil), ScheduleOptions{})
	if err == nil {
		t.Error("Expected Schedule after Shutdown to fail")
	}
	e.Shutdown()
}

func TestEngine_ShutdownEndsActivePlaybooks(t *testing.T) {
	obs := &recordingObserver{}
	e := New(Options{Observers: []Observer{obs}, PollInterval: 5 * time.Millisecond})

	web1, web2 := testHost("web1"), testHost("web2")
	blocked := newMockCommand("blocked", func(ctx context.Context, _ int) (CommandOutput, error) {
		<-ctx.Done()
		return CommandOutput{}, ctx.Err()
	})
	running := NewPlaybook("running", []inventory.Host{web1}, []Command{blocked, newMockCommand("after", succeed)})
	idle := NewPlaybook("idle", []inventory.Host{web2}, []Command{newMockCommand("never", succeed)})

	if err := e.Schedule(context.Background(), running, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := e.Schedule(context.Background(), idle, ScheduleOptions{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitFor(t, "blocked command to start", func() bool { return blocked.Calls() == 1 })

	e.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, pb := range []Playbook{running, idle} {
		state, err := e.Wait(ctx, pb.ID)
		if err != nil {
			t.Fatalf("Wait(%s) after Shutdown: %v", pb.Name, err)
		}
		if !state.IsTerminal() {
			t.Errorf("%s left in %s", pb.Name, state)
		}
	}
	if state, _ := e.Status(idle.ID); state != PlaybookCancelled {
		t.Errorf("Expected idle playbook cancelled, got %s", state)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	ended := map[PlaybookID]bool{}
	for _, tr := range obs.transitions {
		if tr.To.IsTerminal() {
			ended[tr.PlaybookID] = true
		}
	}
	if !ended[running.ID] || !ended[idle.ID] {
		t.Errorf("Observers did not see both playbooks end: %+v", obs.transitions)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngine_ScheduleKeepsStartedRunnerMode(t *testing.T) {
	var logs lockedBuffer
	logger := zerolog.New(&logs)
	e := newTestEngine(t, Options{Logger: &logger})

	host := testHost("web1")
	first := NewPlaybook("first", []inventory.Host{host}, []Command{newMockCommand("a", succeed)})
	second := NewPlaybook("second", []inventory.Host{host}, []Command{newMockCommand("b", succeed)})

	if err := e.Schedule(context.Background(), first, ScheduleOptions{StartRunners: true, Stepping: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := e.Schedule(context.Background(), second, ScheduleOptions{StartRunners: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	runner, ok := e.Runner(host)
	if !ok {
		t.Fatal("Expected runner to exist")
	}
	if runner.Mode() != RunnerStepping {
		t.Errorf("Expected the runner to stay stepping, got %s", runner.Mode())
	}
	if !strings.Contains(logs.String(), "already started in another mode") {
		t.Errorf("Expected a mode mismatch warning, got:\n%s", logs.String())
	}
	if state, _ := e.Status(second.ID); state != PlaybookScheduled {
		t.Errorf("Second playbook should wait for Step, got %s", state)
	}
}

func TestEngine_StepDuringInFlightCommandArmsTheNext(t *testing.T) {
	e := newTestEngine(t, Options{})
	host := testHost("web1")

	release := make(chan struct{})
	a := newMockCommand("a", func(ctx context.Context, _ int) (CommandOutput, error) {
		select {
		case <-release:
			return CommandOutput{}, nil
		case <-ctx.Done():
			return CommandOutput{}, ctx.Err()
		}
	})
	b := newMockCommand("b", succeed)
	c := newMockCommand("c", succeed)
	pb := NewPlaybook("stepped", []inventory.Host{host}, []Command{a, b, c})

	if err := e.Schedule(context.Background(), pb, ScheduleOptions{StartRunners: true, Stepping: true}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	e.Step(host)
	waitFor(t, "a to start", func() bool { return a.Calls() == 1 })

	if !e.Step(host) {
		t.Fatal("Step while a command runs should be accepted")
	}
	close(release)
	waitFor(t, "b to run", func() bool { return b.Calls() == 1 })

	time.Sleep(50 * time.Millisecond)
	if c.Calls() != 0 {
		t.Error("c ran without its own Step")
	}
	e.Step(host)
	if state := waitTerminal(t, e, pb.ID); state != PlaybookComplete {
		t.Errorf("Expected complete, got %s", state)
	}
}
