package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/froyoplay/pkg/engine"
)

// Command result statuses used as metric labels and event data.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusIgnored = "ignored"
)

// Observer turns engine notifications into logs, metrics, events and one
// span per playbook. It implements engine.Observer.
type Observer struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher

	mu    sync.Mutex
	spans map[engine.PlaybookID]trace.Span
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Any argument may be nil.
func NewObserver(logger *Logger, tracer *Tracer, metrics *Metrics, events *EventPublisher) *Observer {
	if logger == nil {
		logger = nopLogger()
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Observer{
		logger:  logger.NewComponentLogger("observer"),
		tracer:  tracer,
		metrics: metrics,
		events:  events,
		spans:   make(map[engine.PlaybookID]trace.Span),
	}
}

// PlaybookStateChanged implements engine.Observer.
func (o *Observer) PlaybookStateChanged(t engine.PlaybookTransition) {
	started := t.From == ""
	finished := t.From.IsActive() && t.To.IsTerminal()
	o.metrics.RecordPlaybookTransition(string(t.To), started, finished)

	level := EventLevelInfo
	switch t.To {
	case engine.PlaybookFailed:
		level = EventLevelError
	case engine.PlaybookCancelled:
		level = EventLevelWarning
	}

	log := o.logger.WithPlaybookID(string(t.PlaybookID))
	msg := fmt.Sprintf("Playbook %s is %s", t.Name, t.To)
	if level == EventLevelInfo {
		log.Info(msg)
	} else {
		log.Warn(msg)
	}

	o.publish(Event{
		Type:       EventTypePlaybookStateChanged,
		Source:     "engine",
		PlaybookID: string(t.PlaybookID),
		Message:    msg,
		Level:      level,
		Timestamp:  t.At,
		Data: map[string]interface{}{
			"name": t.Name,
			"from": string(t.From),
			"to":   string(t.To),
		},
	})

	o.trackSpan(t)
}

func (o *Observer) trackSpan(t engine.PlaybookTransition) {
	if o.tracer == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if t.From == "" {
		_, span := o.tracer.StartPlaybookSpan(context.Background(), string(t.PlaybookID), t.Name)
		o.spans[t.PlaybookID] = span
		return
	}

	span, ok := o.spans[t.PlaybookID]
	if !ok {
		return
	}
	span.AddEvent(string(t.To))
	if !t.To.IsTerminal() {
		return
	}
	var err error
	if t.To != engine.PlaybookComplete {
		err = fmt.Errorf("playbook %s", t.To)
	}
	endSpan(span, err)
	delete(o.spans, t.PlaybookID)
}

// CommandCompleted implements engine.Observer.
func (o *Observer) CommandCompleted(r engine.CommandExecutionResult) {
	kind := "command"
	description := ""
	ignore := false
	if r.Command != nil {
		kind = engine.KindOf(r.Command)
		description = r.Command.String()
		ignore = r.Command.IgnoreFailure()
	}

	status := StatusSuccess
	level := EventLevelInfo
	if r.Failed() {
		status = StatusFailed
		level = EventLevelError
		if ignore {
			status = StatusIgnored
			level = EventLevelWarning
		}
	}

	o.metrics.RecordCommand(kind, status, r.Duration, r.Retries)

	log := o.logger.
		WithPlaybookID(string(r.PlaybookID)).
		WithHost(r.Host.String()).
		WithCommandID(string(r.CommandID()))
	if r.Exception != nil {
		log = log.WithError(r.Exception)
	}
	if status == StatusSuccess {
		log.Debugf("Command %s succeeded", kind)
	} else {
		log.Warnf("Command %s %s with return code %d", kind, status, r.Output.ReturnCode)
	}

	data := map[string]interface{}{
		"kind":        kind,
		"status":      status,
		"return_code": r.Output.ReturnCode,
		"retries":     r.Retries,
		"duration":    r.Duration.Seconds(),
	}
	if r.Exception != nil {
		data["exception"] = r.Exception.Error()
	}
	o.publish(Event{
		Type:       EventTypeCommandCompleted,
		Source:     "engine",
		PlaybookID: string(r.PlaybookID),
		CommandID:  string(r.CommandID()),
		Host:       r.Host.String(),
		Message:    description,
		Level:      level,
		Data:       data,
	})
}

// Admitter wraps next so that denials are counted and published.
func (o *Observer) Admitter(next engine.Admitter) engine.Admitter {
	return engine.AdmitterFunc(func(ctx context.Context, pb engine.Playbook) error {
		err := next.Admit(ctx, pb)
		if err == nil {
			return nil
		}

		var policies []string
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			o.metrics.RecordError(engineErr.Code)
			policies, _ = engineErr.Details["policies"].([]string)
		}
		if len(policies) == 0 {
			policies = []string{"unknown"}
		}
		for _, p := range policies {
			o.metrics.RecordPolicyDenial(p)
		}

		o.logger.WithPlaybookID(string(pb.ID)).WithError(err).Warn("Playbook denied by policy")
		o.publish(Event{
			Type:       EventTypePolicyDenied,
			Source:     "policy",
			PlaybookID: string(pb.ID),
			Message:    err.Error(),
			Level:      EventLevelError,
			Data:       map[string]interface{}{"policies": policies},
		})
		return err
	})
}

func (o *Observer) publish(e Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(e); err != nil {
		o.logger.WithError(err).Debug("Event not published")
	}
}
