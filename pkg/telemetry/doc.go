// Package telemetry wires logging, tracing, metrics and events for froyoplay.
//
// Logging uses zerolog through a thin Logger wrapper with playbook, host and
// command field helpers. Tracing installs an OpenTelemetry provider that
// exports over OTLP/gRPC or to stderr; the engine's command.execute and
// playbook.schedule spans flow through it. Metrics are Prometheus collectors
// on a private registry served by Metrics.Serve:
//
//	froyoplay_commands_executed_total{kind,status}
//	froyoplay_command_duration_seconds{kind}
//	froyoplay_command_retries_total{kind}
//	froyoplay_playbook_transitions_total{state}
//	froyoplay_active_playbooks
//	froyoplay_policy_denials_total{policy}
//	froyoplay_errors_by_code_total{code}
//
// Observer implements engine.Observer and feeds all of the above from engine
// notifications:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	obs := tel.Observer()
//	eng := engine.New(engine.Options{
//	    Observers: []engine.Observer{obs},
//	    Admitter:  obs.Admitter(policyEngine),
//	})
package telemetry
