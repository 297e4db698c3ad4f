package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// Engine coordinates playbooks, host runners and command results.
// All of its state is guarded by a single lock; host runners reach it only
// through the workSource methods.
type Engine struct {
	logger       zerolog.Logger
	pollInterval time.Duration
	admitter     Admitter
	notifier     *notifier

	outputMu sync.Mutex
	output   io.Writer

	// ctx is the engine's lifetime. Shutdown cancels it.
	ctx          context.Context
	cancel       context.CancelFunc
	notifyCancel context.CancelFunc

	// mu protects everything below.
	mu          sync.RWMutex
	playbooks   map[PlaybookID]*playbookRun
	order       []PlaybookID
	results     map[inventory.Host]map[CommandID]CommandExecutionResult
	failedHosts map[inventory.Host]bool
	runners     map[inventory.Host]*HostRunner
	changed     chan struct{}
	closed      bool
}

// playbookRun is the engine's bookkeeping for one scheduled playbook.
type playbookRun struct {
	playbook    Playbook
	state       PlaybookRunState
	cursors     map[inventory.Host]int
	notBefore   time.Time
	scheduledAt time.Time
}

// PlaybookSummary is a point-in-time view of a scheduled playbook.
type PlaybookSummary struct {
	Playbook    Playbook         `json:"playbook"`
	State       PlaybookRunState `json:"state"`
	ScheduledAt time.Time        `json:"scheduled_at"`
}

// New creates an engine. Call Shutdown to stop its host runners.
func New(opts Options) *Engine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	notifyCtx, notifyCancel := context.WithCancel(context.Background())

	e := &Engine{
		logger:       logger.With().Str("component", "engine").Logger(),
		pollInterval: opts.PollInterval,
		admitter:     opts.Admitter,
		notifier:     newNotifier(append([]Observer(nil), opts.Observers...)),
		output:       opts.Output,
		ctx:          ctx,
		cancel:       cancel,
		notifyCancel: notifyCancel,
		playbooks:    make(map[PlaybookID]*playbookRun),
		results:      make(map[inventory.Host]map[CommandID]CommandExecutionResult),
		failedHosts:  make(map[inventory.Host]bool),
		runners:      make(map[inventory.Host]*HostRunner),
		changed:      make(chan struct{}),
	}
	go e.notifier.run(notifyCtx)
	return e
}

// Run executes a single command against host outside any playbook.
// The error is non-nil only when ctx was cancelled or timed out.
func (e *Engine) Run(ctx context.Context, host inventory.Host, cmd Command) (CommandExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandExecutionResult{}, contextError(err, host)
	}

	result := runCommand(ctx, cmd, host, "", e.logger)

	if err := ctx.Err(); err != nil {
		return result, contextError(err, host)
	}
	return result, nil
}

// RunSequence runs commands against host in order, stopping at the first result
// that represents a failure. Commands after that point have no result.
func (e *Engine) RunSequence(
	ctx context.Context,
	host inventory.Host,
	commands []Command,
	opts RunOptions,
) []CommandExecutionResult {
	results := make([]CommandExecutionResult, 0, len(commands))

	for _, cmd := range commands {
		if ctx.Err() != nil {
			e.logger.Debug().Str("host", host.String()).Msg("Sequence cancelled")
			break
		}

		result := runCommand(ctx, cmd, host, "", e.logger)
		results = append(results, result)

		if opts.DisplayProgress {
			e.writeProgress(result, opts)
		}
		if result.RepresentsFailure() {
			break
		}
	}

	return results
}

// RunAll runs the command sequence against every host concurrently.
// Hosts are independent; each host runs its commands in order.
func (e *Engine) RunAll(
	ctx context.Context,
	hosts []inventory.Host,
	commands []Command,
	opts RunOptions,
) map[inventory.Host][]CommandExecutionResult {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[inventory.Host][]CommandExecutionResult, len(hosts))
	)

	for _, host := range dedupHosts(hosts) {
		g.Go(func() error {
			hostResults := e.RunSequence(ctx, host, commands, opts)
			mu.Lock()
			results[host] = hostResults
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) writeProgress(result CommandExecutionResult, opts RunOptions) {
	line := result.ConsoleOutput(opts.Detail, opts.Emoji)
	if line == "" {
		return
	}
	e.outputMu.Lock()
	defer e.outputMu.Unlock()
	fmt.Fprintln(e.output, line)
}

// Schedule registers a playbook. With StartRunners set, every target host gets
// a running host runner; hosts already served by one keep it.
func (e *Engine) Schedule(ctx context.Context, playbook Playbook, opts ScheduleOptions) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "playbook.schedule")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("playbook.id", string(playbook.ID)),
		attribute.String("playbook.name", playbook.Name),
		attribute.Int("playbook.hosts", len(playbook.Hosts)),
		attribute.Int("playbook.commands", len(playbook.Commands)),
	)

	if err := playbook.Validate(); err != nil {
		return err
	}
	playbook = playbook.clone()

	if e.admitter != nil {
		if err := e.admitter.Admit(ctx, playbook); err != nil {
			var engineErr *EngineError
			if errors.As(err, &engineErr) && engineErr.Code == ErrCodePolicyDenied {
				return err
			}
			return NewPermanentError(fmt.Sprintf("playbook %s rejected", playbook), err).
				WithCode(ErrCodePolicyDenied)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return NewPermanentError("engine is shut down", nil).WithCode(ErrCodeCancelled)
	}
	if _, exists := e.playbooks[playbook.ID]; exists {
		return NewConflictError(fmt.Sprintf("playbook %s already scheduled", playbook.ID), nil).
			WithCode(ErrCodeAlreadyExists)
	}

	now := time.Now()
	run := &playbookRun{
		playbook:    playbook,
		cursors:     make(map[inventory.Host]int, len(playbook.Hosts)),
		notBefore:   now.Add(max(opts.Delay, 0)),
		scheduledAt: now,
	}
	for _, host := range playbook.Hosts {
		run.cursors[host] = 0
		if _, ok := e.results[host]; !ok {
			e.results[host] = make(map[CommandID]CommandExecutionResult)
		}
	}

	e.playbooks[playbook.ID] = run
	e.order = append(e.order, playbook.ID)
	e.transitionLocked(run, PlaybookScheduled)

	e.logger.Info().
		Str("playbook_id", string(playbook.ID)).
		Str("playbook", playbook.Name).
		Int("hosts", len(playbook.Hosts)).
		Int("commands", len(playbook.Commands)).
		Dur("delay", opts.Delay).
		Msg("Playbook scheduled")

	if len(playbook.Hosts) == 0 || len(playbook.Commands) == 0 {
		e.transitionLocked(run, PlaybookComplete)
		return nil
	}

	if opts.StartRunners {
		for _, host := range playbook.Hosts {
			runner := e.runnerLocked(host)
			switch mode := runner.Mode(); {
			case mode == RunnerStopped:
				runner.start(opts.Stepping)
			case (mode == RunnerStepping) != opts.Stepping:
				e.logger.Warn().
					Str("playbook_id", string(playbook.ID)).
					Str("host", host.String()).
					Str("runner_mode", mode.String()).
					Bool("stepping_requested", opts.Stepping).
					Msg("Host runner already started in another mode; keeping it")
				runner.notify()
			default:
				runner.notify()
			}
		}
	}

	if opts.Delay > 0 {
		hosts := playbook.Hosts
		time.AfterFunc(opts.Delay, func() { e.wakeRunners(hosts) })
	}

	return nil
}

// runnerLocked returns the host's runner, creating it if needed. e.mu must be held.
func (e *Engine) runnerLocked(host inventory.Host) *HostRunner {
	runner, ok := e.runners[host]
	if !ok {
		runner = newHostRunner(e.ctx, host, e, e.pollInterval, e.logger)
		e.runners[host] = runner
	}
	return runner
}

func (e *Engine) wakeRunners(hosts []inventory.Host) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, host := range hosts {
		if runner, ok := e.runners[host]; ok {
			runner.notify()
		}
	}
}

// Step releases one command on the host's runner if it is stepping.
// It reports whether a runner was armed; unknown hosts are a no-op.
func (e *Engine) Step(host inventory.Host) bool {
	e.mu.RLock()
	runner, ok := e.runners[host]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return runner.step()
}

// AvailableCommands returns the next eligible command of every active playbook
// targeting host, in scheduling order.
func (e *Engine) AvailableCommands(host inventory.Host) []Command {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var cmds []Command
	now := time.Now()
	for _, id := range e.order {
		if cmd, ok := e.playbooks[id].eligible(host, now); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// eligible returns the command at host's cursor, if the playbook may dispatch it.
func (r *playbookRun) eligible(host inventory.Host, now time.Time) (Command, bool) {
	if !r.state.IsActive() || now.Before(r.notBefore) {
		return nil, false
	}
	cursor, ok := r.cursors[host]
	if !ok || cursor >= len(r.playbook.Commands) {
		return nil, false
	}
	return r.playbook.Commands[cursor], true
}

// nextCommand implements workSource.
func (e *Engine) nextCommand(host inventory.Host) (dispatch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, id := range e.order {
		run := e.playbooks[id]
		cmd, ok := run.eligible(host, now)
		if !ok {
			continue
		}
		if run.state == PlaybookScheduled {
			e.transitionLocked(run, PlaybookRunning)
		}
		return dispatch{playbookID: id, command: cmd}, true
	}
	return dispatch{}, false
}

// acceptResult implements workSource.
func (e *Engine) acceptResult(host inventory.Host, result CommandExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket, ok := e.results[host]
	if !ok {
		bucket = make(map[CommandID]CommandExecutionResult)
		e.results[host] = bucket
	}
	bucket[result.CommandID()] = result
	if result.RepresentsFailure() {
		e.failedHosts[host] = true
	}

	e.logger.Debug().
		Str("host", host.String()).
		Str("command_id", string(result.CommandID())).
		Str("status", result.Status()).
		Int("retries", result.Retries).
		Msg("Result accepted")

	e.notifier.enqueue(func(o Observer) { o.CommandCompleted(result) })

	run, ok := e.playbooks[result.PlaybookID]
	if !ok {
		return
	}
	if cursor, ok := run.cursors[host]; ok && cursor < len(run.playbook.Commands) &&
		run.playbook.Commands[cursor].ID() == result.CommandID() {
		run.cursors[host] = cursor + 1
	}
	if !run.state.IsActive() {
		return
	}

	if run.state == PlaybookScheduled {
		e.transitionLocked(run, PlaybookRunning)
	}

	switch {
	case result.RepresentsFailure():
		e.transitionLocked(run, PlaybookFailed)
	case run.exhausted():
		e.transitionLocked(run, PlaybookComplete)
	}
}

// exhausted reports whether every host has run every command.
func (r *playbookRun) exhausted() bool {
	for _, cursor := range r.cursors {
		if cursor < len(r.playbook.Commands) {
			return false
		}
	}
	return true
}

// transitionLocked moves run to state and notifies observers and waiters. e.mu must be held.
func (e *Engine) transitionLocked(run *playbookRun, to PlaybookRunState) {
	from := run.state
	if !from.canTransition(to) {
		return
	}
	run.state = to

	transition := PlaybookTransition{
		PlaybookID: run.playbook.ID,
		Name:       run.playbook.Name,
		From:       from,
		To:         to,
		At:         time.Now(),
	}

	e.logger.Info().
		Str("playbook_id", string(run.playbook.ID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Playbook state changed")

	e.notifier.enqueue(func(o Observer) { o.PlaybookStateChanged(transition) })

	close(e.changed)
	e.changed = make(chan struct{})
}

// HostStatus reports whether host is healthy, meaning no unignored failure has
// been recorded for it. ok is false for hosts the engine has never seen.
func (e *Engine) HostStatus(host inventory.Host) (healthy bool, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, hasResults := e.results[host]
	_, hasRunner := e.runners[host]
	if !hasResults && !hasRunner {
		return false, false
	}
	return !e.failedHosts[host], true
}

// Status returns the playbook's state. ok is false for unknown playbooks.
func (e *Engine) Status(id PlaybookID) (PlaybookRunState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.playbooks[id]
	if !ok {
		return "", false
	}
	return run.state, true
}

// Cancel marks an active playbook cancelled. Runners no other active playbook
// needs are stopped; in-flight commands complete normally. It reports whether
// the playbook was active.
func (e *Engine) Cancel(id PlaybookID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.playbooks[id]
	if !ok || !run.state.IsActive() {
		return false
	}
	e.transitionLocked(run, PlaybookCancelled)

	for _, host := range run.playbook.Hosts {
		if e.hostNeededLocked(host) {
			continue
		}
		if runner, ok := e.runners[host]; ok {
			runner.stop()
		}
	}
	return true
}

// hostNeededLocked reports whether an active playbook still has work for host.
func (e *Engine) hostNeededLocked(host inventory.Host) bool {
	for _, run := range e.playbooks {
		if !run.state.IsActive() {
			continue
		}
		if cursor, ok := run.cursors[host]; ok && cursor < len(run.playbook.Commands) {
			return true
		}
	}
	return false
}

// Wait blocks until the playbook reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, id PlaybookID) (PlaybookRunState, error) {
	for {
		e.mu.RLock()
		run, ok := e.playbooks[id]
		if !ok {
			e.mu.RUnlock()
			return "", NewPermanentError(fmt.Sprintf("playbook %s not found", id), nil).
				WithCode(ErrCodeNotFound)
		}
		state := run.state
		changed := e.changed
		e.mu.RUnlock()

		if state.IsTerminal() {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, NewPermanentError("wait cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		case <-changed:
		}
	}
}

// Results returns the playbook's results per host, in declared command order.
// Commands that have not run are absent.
func (e *Engine) Results(id PlaybookID) map[inventory.Host][]CommandExecutionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.playbooks[id]
	if !ok {
		return nil
	}

	out := make(map[inventory.Host][]CommandExecutionResult, len(run.playbook.Hosts))
	for _, host := range run.playbook.Hosts {
		var hostResults []CommandExecutionResult
		for _, cmd := range run.playbook.Commands {
			if r, ok := e.results[host][cmd.ID()]; ok && r.PlaybookID == id {
				hostResults = append(hostResults, r)
			}
		}
		out[host] = hostResults
	}
	return out
}

// ResultFor returns the recorded result of a command on a host.
func (e *Engine) ResultFor(host inventory.Host, id CommandID) (CommandExecutionResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.results[host][id]
	return r, ok
}

// Playbooks returns every scheduled playbook in scheduling order.
func (e *Engine) Playbooks() []PlaybookSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]PlaybookSummary, 0, len(e.order))
	for _, id := range e.order {
		run := e.playbooks[id]
		out = append(out, PlaybookSummary{
			Playbook:    run.playbook,
			State:       run.state,
			ScheduledAt: run.scheduledAt,
		})
	}
	return out
}

// Runner returns the host's runner, if one was created.
func (e *Engine) Runner(host inventory.Host) (*HostRunner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[host]
	return r, ok
}

// Shutdown stops every runner and cancels in-flight retry waits. Playbooks
// still scheduled or running end as cancelled, and pending observer
// notifications are flushed before it returns. Later calls to Schedule fail.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	runners := make([]*HostRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	e.cancel()
	for _, r := range runners {
		if done := r.done(); done != nil {
			<-done
		}
	}

	// Nothing will advance the remaining playbooks, so end them here where
	// Wait and the observers can see it.
	e.mu.Lock()
	for _, id := range e.order {
		if run := e.playbooks[id]; run.state.IsActive() {
			e.transitionLocked(run, PlaybookCancelled)
		}
	}
	e.mu.Unlock()

	e.notifyCancel()
	<-e.notifier.done

	e.logger.Debug().Int("runners", len(runners)).Msg("Engine shut down")
}

func contextError(err error, host inventory.Host) *EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewPermanentError("run timed out", err).WithCode(ErrCodeTimeout).WithHost(host.String())
	}
	return NewPermanentError("run cancelled", err).WithCode(ErrCodeCancelled).WithHost(host.String())
}
