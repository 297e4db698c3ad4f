package telemetry

import (
	"context"
	"errors"
)

// Telemetry is the set of sinks built from one Config. Observer wires them
// into an engine.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds every sink. If a later sink fails,
// the log file opened for the first one is closed again.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg, Logger: logger}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes); err == nil {
		if t.Metrics, err = NewMetrics(cfg.Metrics); err == nil {
			t.Events, err = NewEventPublisher(cfg.Events)
		}
	}
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return t, nil
}

// Observer returns an engine observer feeding these sinks.
func (t *Telemetry) Observer() *Observer {
	return NewObserver(t.Logger, t.Tracer, t.Metrics, t.Events)
}

// Shutdown delivers queued events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
