package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification published by the Observer. Events are
// in-process only; anything that wants them durably subscribes and writes
// them out itself.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	PlaybookID string         `json:"playbook_id,omitempty"`
	CommandID  string         `json:"command_id,omitempty"`
	Host       string         `json:"host,omitempty"`
	Message    string         `json:"message"`
	Level      string         `json:"level"`
	Data       map[string]any `json:"data,omitempty"`
}

const (
	EventTypePlaybookStateChanged = "playbook.state_changed"
	EventTypeCommandCompleted     = "command.completed"
	EventTypePolicyDenied         = "policy.denied"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	ErrPublisherStopped = errors.New("event publisher stopped")
	ErrEventDropped     = errors.New("event queue full, event dropped")
)

// EventSubscriber receives events. It must not call Subscribe.
type EventSubscriber func(event Event)

// EventFilter selects which events a subscriber sees.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Without EnableAsync an event
// is delivered before Publish returns; with it, a single goroutine drains a
// bounded queue so delivery order matches publish order.
type EventPublisher struct {
	enabled bool
	queue   chan Event

	mu   sync.RWMutex
	subs []subscription

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

type subscription struct {
	deliver EventSubscriber
	accept  EventFilter
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher accepts
// and discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		enabled: cfg.Enabled,
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	if !cfg.Enabled || !cfg.EnableAsync {
		close(ep.drained)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, errors.New("async event publisher needs a positive buffer size")
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.drain()
	return ep, nil
}

// Publish stamps event with an ID and timestamp when missing and hands it to
// the subscribers. An async publisher drops the event rather than block when
// its queue is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled {
		return nil
	}
	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

// Subscribe registers fn. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{deliver: fn, accept: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) drain() {
	defer close(ep.drained)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.accept == nil || s.accept(event) {
			s.deliver(event)
		}
	}
}

// Shutdown refuses further events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stopped) })
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool { return levelRank[event.Level] >= floor }
}

// FilterByType passes events whose Type is one of types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type == t {
				return true
			}
		}
		return false
	}
}

// FilterByPlaybookID passes events of a single playbook.
func FilterByPlaybookID(id string) EventFilter {
	return func(event Event) bool { return event.PlaybookID == id }
}
