package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/inventory"
)

// RunnerMode is the dispatch mode of a HostRunner.
type RunnerMode int

const (
	// RunnerStopped runs nothing. This is the initial mode.
	RunnerStopped RunnerMode = iota

	// RunnerOngoing runs every eligible command as soon as it is available.
	RunnerOngoing

	// RunnerStepping runs one command per call to Step.
	RunnerStepping
)

// String returns the mode name.
func (m RunnerMode) String() string {
	switch m {
	case RunnerOngoing:
		return "ongoing"
	case RunnerStepping:
		return "stepping"
	default:
		return "stopped"
	}
}

// dispatch is a command handed to a runner, with the playbook it belongs to.
type dispatch struct {
	playbookID PlaybookID
	command    Command
}

// workSource feeds a runner and receives its results. The Engine implements it.
type workSource interface {
	nextCommand(host inventory.Host) (dispatch, bool)
	acceptResult(host inventory.Host, result CommandExecutionResult)
}

// HostRunner serializes command execution against one host.
// At most one command runs on its host at any time.
type HostRunner struct {
	host         inventory.Host
	source       workSource
	pollInterval time.Duration
	logger       zerolog.Logger

	// execCtx bounds in-flight commands; it is the engine's lifetime, not the runner's.
	execCtx context.Context

	// wake interrupts the poll sleep. Buffered so signals never block.
	wake chan struct{}

	mu           sync.Mutex
	mode         RunnerMode
	readyForNext bool
	looping      bool
	loopDone     chan struct{}
	inFlight     bool
}

func newHostRunner(
	execCtx context.Context,
	host inventory.Host,
	source workSource,
	pollInterval time.Duration,
	logger zerolog.Logger,
) *HostRunner {
	return &HostRunner{
		host:         host,
		source:       source,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "host_runner").Str("host", host.String()).Logger(),
		execCtx:      execCtx,
		wake:         make(chan struct{}, 1),
	}
}

// Host returns the runner's host.
func (r *HostRunner) Host() inventory.Host {
	return r.host
}

// Mode returns the current dispatch mode.
func (r *HostRunner) Mode() RunnerMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Busy reports whether a command is currently executing.
func (r *HostRunner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// start switches the runner to ongoing or stepping mode and makes sure exactly
// one polling loop is alive.
func (r *HostRunner) start(stepping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stepping {
		r.mode = RunnerStepping
	} else {
		r.mode = RunnerOngoing
	}

	if !r.looping {
		r.looping = true
		r.loopDone = make(chan struct{})
		go r.loop(r.loopDone)
	}
	r.signal()
}

// step arms a stepping runner for exactly one more command.
func (r *HostRunner) step() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != RunnerStepping {
		return false
	}
	r.readyForNext = true
	r.signal()
	return true
}

// stop halts dispatch. An in-flight command runs to completion. Idempotent.
func (r *HostRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mode = RunnerStopped
	r.readyForNext = false
	r.signal()
}

// notify wakes the loop to re-check for work.
func (r *HostRunner) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signal()
}

// signal must be called with r.mu held.
func (r *HostRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// done returns a channel closed when the current polling loop exits, or nil if none runs.
func (r *HostRunner) done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.looping {
		return nil
	}
	return r.loopDone
}

func (r *HostRunner) loop(done chan struct{}) {
	defer close(done)

	r.logger.Debug().Msg("Host runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if r.exitIfStopped() {
			r.logger.Debug().Msg("Host runner stopped")
			return
		}

		if r.runNext() {
			continue
		}

		select {
		case <-r.execCtx.Done():
			r.mu.Lock()
			r.mode = RunnerStopped
			r.looping = false
			r.mu.Unlock()
			r.logger.Debug().Msg("Host runner exiting, engine shut down")
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// exitIfStopped clears looping when the runner is stopped. The check and the
// flag change happen under one lock so a concurrent start cannot be lost.
func (r *HostRunner) exitIfStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == RunnerStopped || r.execCtx.Err() != nil {
		r.looping = false
		return true
	}
	return false
}

// runNext executes the next eligible command if the mode allows it.
func (r *HostRunner) runNext() bool {
	r.mu.Lock()
	switch {
	case r.mode == RunnerStopped:
		r.mu.Unlock()
		return false
	case r.mode == RunnerStepping && !r.readyForNext:
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	next, ok := r.source.nextCommand(r.host)
	if !ok {
		return false
	}

	r.mu.Lock()
	// Cleared at dispatch so a Step arriving mid-command arms the next one.
	if r.mode == RunnerStepping {
		r.readyForNext = false
	}
	r.inFlight = true
	r.mu.Unlock()

	result := runCommand(r.execCtx, next.command, r.host, next.playbookID, r.logger)

	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()

	r.source.acceptResult(r.host, result)
	return true
}
