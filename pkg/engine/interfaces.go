package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives engine notifications. Calls happen outside the engine lock,
// one at a time, in the order the engine recorded them.
type Observer interface {
	// PlaybookStateChanged is called for every playbook state transition.
	PlaybookStateChanged(transition PlaybookTransition)

	// CommandCompleted is called for every result accepted from a host runner.
	CommandCompleted(result CommandExecutionResult)
}

// Admitter decides whether a playbook may be scheduled.
type Admitter interface {
	// Admit returns an error describing why the playbook is rejected, or nil.
	Admit(ctx context.Context, playbook Playbook) error
}

// AdmitterFunc adapts a function to the Admitter interface.
type AdmitterFunc func(ctx context.Context, playbook Playbook) error

// Admit implements Admitter.
func (f AdmitterFunc) Admit(ctx context.Context, playbook Playbook) error {
	return f(ctx, playbook)
}

// DefaultPollInterval is how often an idle host runner re-checks for work.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// Logger receives engine logs. Nil means silent.
	Logger *zerolog.Logger

	// PollInterval is the idle polling period of host runners.
	PollInterval time.Duration

	// Output receives console output of direct runs that display progress. Nil discards it.
	Output io.Writer

	// Observers are notified of state changes and results.
	Observers []Observer

	// Admitter, if set, must accept every playbook before it is scheduled.
	Admitter Admitter
}

// ScheduleOptions contains options for scheduling a playbook.
type ScheduleOptions struct {
	// Delay keeps the playbook ineligible until it has elapsed. Schedule does not block.
	Delay time.Duration `json:"delay,omitempty"`

	// StartRunners starts a host runner for every target host not already running one.
	StartRunners bool `json:"start_runners,omitempty"`

	// Stepping starts new runners in stepping mode; Step releases one command at a time.
	// A runner that is already started keeps its mode, and the mismatch is logged.
	Stepping bool `json:"stepping,omitempty"`
}

// RunOptions controls direct runs of command sequences.
type RunOptions struct {
	// DisplayProgress writes each result's console output as it completes.
	DisplayProgress bool

	// Detail is the console detail level.
	Detail DetailLevel

	// Emoji prefixes console lines with a status emoji.
	Emoji bool
}

// notifier delivers observer callbacks in order on a single goroutine.
type notifier struct {
	observers []Observer

	mu     sync.Mutex
	queue  []func(Observer)
	signal chan struct{}
	done   chan struct{}
}

func newNotifier(observers []Observer) *notifier {
	return &notifier{
		observers: observers,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (n *notifier) enqueue(fn func(Observer)) {
	if len(n.observers) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// run delivers queued notifications until ctx is done, then flushes the rest.
func (n *notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case <-n.signal:
			n.drain()
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			for _, obs := range n.observers {
				fn(obs)
			}
		}
	}
}
